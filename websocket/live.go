package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/filter"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/viewport"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// ViewportRequest is the data of a viewport message sent by a live client.
type ViewportRequest struct {
	Zoom    int             `json:"zoom"`
	Bounds  models.Bounds   `json:"bounds"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// LiveHandler runs a viewport session for a map client. The client sends
// its viewport and filters, and is answered with the clusters to render.
// Fresh clusters are pushed on frame ticks after the world changed.
type LiveHandler struct {
	client

	Viewport *viewport.Engine

	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The interval between each world change check.
	LiveFrameDuration time.Duration

	FeatureFlags featureflag.FeatureFlag

	mutex     sync.Mutex
	session   *viewport.Session
	sessionID string
	version   uint64
}

func (h *LiveHandler) HandleConnect(conn *websocket.Conn) {
	h.client.HandleConnect(conn)

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.session = h.Viewport.NewSession()
	h.sessionID = uuid.NewString()
}

func (h *LiveHandler) HandleBatch(ctx context.Context, respond ResponseSender, msg Msg) error {
	return errors.New("batches are not accepted on live sessions").
		WithType(models.ErrTypeValidation)
}

func (h *LiveHandler) HandleViewport(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req ViewportRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	filters, err := filter.Parse(req.Filters)
	if err != nil {
		return err
	}

	if err = h.session.SetViewport(viewport.Viewport{
		Bounds: req.Bounds,
		Zoom:   req.Zoom,
	}); err != nil {
		return err
	}
	h.session.SetFilters(filters)

	return h.push(respond)
}

func (h *LiveHandler) HandleFrame(ctx context.Context, respond ResponseSender) error {
	if h.FeatureFlags.IsSet(featureflag.FlagDisableLivePush) {
		return nil
	}

	if _, ok := h.session.Viewport(); !ok {
		return nil
	}

	h.mutex.Lock()
	unchanged := h.version == h.Viewport.World().Version()
	h.mutex.Unlock()

	if unchanged {
		return nil
	}
	return h.push(respond)
}

func (h *LiveHandler) push(respond ResponseSender) error {
	// The version is read before querying so that a write landing during the
	// query triggers another push on the next frame.
	version := h.Viewport.World().Version()

	res, err := h.session.Query()
	if err != nil {
		return err
	}

	msg, err := MsgFrom(MsgTypeClusters, res)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	h.version = version
	msg.SessionID = h.sessionID
	h.mutex.Unlock()

	msg.Version = version
	respond.Send(msg)
	return nil
}

func (h *LiveHandler) Receiver() Receiver {
	return receive(h.conn, MsgTypeViewport)
}

func (h *LiveHandler) FrameDuration() time.Duration {
	return h.LiveFrameDuration
}

func (h *LiveHandler) IdleTimeout() time.Duration {
	if h.ClientIdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return h.ClientIdleTimeout
}

// SessionID returns the id of the viewport session.
func (h *LiveHandler) SessionID() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.sessionID
}
