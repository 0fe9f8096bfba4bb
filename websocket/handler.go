package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kort/models"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 512
	receiveChanSize = 64

	// MaxMsgSize is the maximum size of a received frame.
	MaxMsgSize = 8 << 20

	// HeaderClientID is the request header that identifies a client. A random
	// id is generated when it is missing.
	HeaderClientID = "X-Kort-Client-Id"
)

// Handler represents a kort WebSocket handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Handles a batch of entity deltas.
	HandleBatch(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a viewport change.
	HandleViewport(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a frame tick.
	HandleFrame(ctx context.Context, respond ResponseSender) error

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender passed in service methods in order to send
	// messages.
	Sender() Sender

	// Closes the handler and releases its allocated resources.
	Close()

	// The duration of a frame. Frames are disabled when zero.
	FrameDuration() time.Duration

	// The time a client is idle before being disconnected.
	IdleTimeout() time.Duration

	GetClientID() string
}

// Handle handles the given connection until the client disconnects or the
// context is canceled.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The kort handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Conn.MaxPayloadBytes = MaxMsgSize
	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.receiveChan = make(chan Msg, receiveChanSize)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	var frames <-chan time.Time
	if d := h.Handler.FrameDuration(); d > 0 {
		frameTicker := time.NewTicker(d)
		defer frameTicker.Stop()
		frames = frameTicker.C
	}

	responder := responseSender(h.send)
	disconnected := false

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			h.disconnect(ctx.Err())

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", idleTimeout))

		case <-frames:
			if err := h.Handler.HandleFrame(ctx, responder); err != nil {
				h.disconnect(errors.New("handling frame failed").Wrap(err))
			}

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if err := h.handleMessage(ctx, msg, responder); err != nil {
				h.disconnect(errors.New("handling message failed").Wrap(err))
			}

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			disconnected = true
			if ctx.Err() == nil {
				// cancel context so go routines can cleanly exit
				cancel()
			}
		}
	}

	if !disconnected {
		h.handleDisconnect(ctx.Err())
	}
	wg.Wait()
}

func (h *handler) send(msg Msg) {
	select {
	case h.sendChan <- msg:
	default:
		logs.WithTag("client_id", h.Handler.GetClientID()).
			WithTag("msg_type", msg.Type).
			Debug("send queue is full, message dropped")
	}
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		msg, _, err := h.receiver()
		if errors.IsType(err, models.ErrTypeValidation) {
			h.send(ErrorMsg(err))
			continue
		}
		if err != nil {
			h.disconnect(errors.New("receiving message failed").Wrap(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case h.receiveChan <- msg:
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) error {
	var err error

	switch msg.Type {
	case MsgTypeBatch:
		err = h.Handler.HandleBatch(ctx, responder, msg)

	case MsgTypeViewport:
		err = h.Handler.HandleViewport(ctx, responder, msg)

	default:
		err = errors.New("unsupported message type").
			WithType(models.ErrTypeValidation).
			WithTag("msg_type", msg.Type)
	}

	// Invalid messages are reported to the client without closing the
	// connection.
	if errors.IsType(err, models.ErrTypeValidation) {
		responder.Send(ErrorMsg(err))
		return nil
	}
	return err
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

type responseSender func(Msg)

func (r responseSender) Send(msg Msg) {
	r(msg)
}

// client holds the connection state shared by handlers.
type client struct {
	conn     *websocket.Conn
	clientID string
}

func (c *client) HandleConnect(conn *websocket.Conn) {
	c.conn = conn
	c.clientID = conn.Request().Header.Get(HeaderClientID)
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
}

func (c *client) HandleDisconnect(error) {}

func (c *client) Sender() Sender {
	return send(c.conn)
}

func (c *client) Close() {}

func (c *client) GetClientID() string {
	return c.clientID
}

// Server returns a WebSocket server that handles each connection with a
// handler created by newHandler. Origins are not checked, the map API is
// served with CORS enabled.
func Server(ctx context.Context, newHandler func() Handler) websocket.Server {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			h := newHandler()
			defer h.Close()

			Handle(ctx, conn, h)
		},
	}
}
