package websocket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/models"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MsgType is the type of a message exchanged with a client.
type MsgType string

const (
	MsgTypeBatch       MsgType = "batch"
	MsgTypeBatchResult MsgType = "batch_result"
	MsgTypeViewport    MsgType = "viewport"
	MsgTypeClusters    MsgType = "clusters"
	MsgTypeError       MsgType = "error"
)

// Msg is a message exchanged with a client.
type Msg struct {
	Type MsgType `json:"type"`

	// The live session the message belongs to.
	SessionID string `json:"session_id,omitempty"`

	// The world version a cluster result was computed at.
	Version uint64 `json:"version,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// MsgFrom creates a message with the given value JSON encoded as data.
func MsgFrom(t MsgType, v any) (Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Msg{}, errors.New("encoding message data failed").
			WithTag("msg_type", t).
			Wrap(err)
	}

	return Msg{
		Type: t,
		Data: data,
	}, nil
}

// DataTo decodes the message data into the given value.
func (m Msg) DataTo(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(models.ErrTypeValidation).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

// ErrorData is the data of an error message.
type ErrorData struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorMsg creates an error message from the given error.
func ErrorMsg(err error) Msg {
	errType := errors.Type(err)
	if errType == "" {
		errType = "internal_error"
	}

	msg, _ := MsgFrom(MsgTypeError, ErrorData{
		Error:   errType,
		Message: err.Error(),
	})
	return msg
}

// A Receiver receives a message. It returns the number of bytes read from the
// connection.
type Receiver func() (Msg, int, error)

// A Sender sends a message. It returns the number of bytes written to the
// connection.
type Sender func(Msg) (int, error)

// ResponseSender sends messages to the client of a handler.
type ResponseSender interface {
	Send(Msg)
}

type frame struct {
	payloadType byte
	data        []byte
}

var frameCodec = websocket.Codec{
	Marshal: func(v any) ([]byte, byte, error) {
		f := v.(frame)
		return f.data, f.payloadType, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v any) error {
		f := v.(*frame)
		f.payloadType = payloadType
		f.data = data
		return nil
	},
}

// frameData returns the JSON content of a frame. Binary frames carry a
// protobuf encoded google.protobuf.Struct.
func frameData(f frame) (json.RawMessage, error) {
	if f.payloadType != websocket.BinaryFrame {
		return f.data, nil
	}

	var s structpb.Struct
	if err := proto.Unmarshal(f.data, &s); err != nil {
		return nil, errors.New("decoding binary frame failed").
			WithType(models.ErrTypeValidation).
			Wrap(err)
	}

	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, errors.New("converting binary frame failed").
			WithType(models.ErrTypeValidation).
			Wrap(err)
	}
	return data, nil
}

func receive(conn *websocket.Conn, t MsgType) Receiver {
	return func() (Msg, int, error) {
		var f frame
		if err := frameCodec.Receive(conn, &f); err != nil {
			return Msg{}, 0, err
		}

		data, err := frameData(f)
		if err != nil {
			return Msg{Type: t}, len(f.data), err
		}

		return Msg{
			Type: t,
			Data: data,
		}, len(f.data), nil
	}
}

func send(conn *websocket.Conn) Sender {
	return func(msg Msg) (int, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").
				WithTag("msg_type", msg.Type).
				Wrap(err)
		}

		if err = frameCodec.Send(conn, frame{
			payloadType: websocket.TextFrame,
			data:        data,
		}); err != nil {
			return 0, err
		}
		return len(data), nil
	}
}
