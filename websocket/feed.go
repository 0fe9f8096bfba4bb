package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/update"
)

// DefaultIdleTimeout is the idle timeout used when a handler has none set.
const DefaultIdleTimeout = time.Minute * 5

// ErrTypeFeedDisabled is the error type returned when feed ingest is turned
// off by feature flag.
const ErrTypeFeedDisabled = "feed_disabled"

// FeedHandler ingests batches of entity deltas pushed by a position feed.
// Each frame is a batch, JSON encoded in a text frame or encoded as a
// protobuf google.protobuf.Struct in a binary frame. Each batch is answered
// with its result.
type FeedHandler struct {
	client

	// The queue batches are applied through.
	Updates *update.Queue

	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	FeatureFlags featureflag.FeatureFlag
}

func (h *FeedHandler) HandleBatch(ctx context.Context, respond ResponseSender, msg Msg) error {
	if h.FeatureFlags.IsSet(featureflag.FlagDisableFeedIngest) {
		respond.Send(ErrorMsg(errors.New("feed ingest is disabled").
			WithType(ErrTypeFeedDisabled)))
		return nil
	}

	var b update.Batch
	if err := msg.DataTo(&b); err != nil {
		return err
	}

	res, err := h.Updates.Submit(ctx, b)
	if err != nil {
		return errors.New("submitting batch failed").
			WithTag("batch_id", b.ID).
			Wrap(err)
	}

	reply, err := MsgFrom(MsgTypeBatchResult, res)
	if err != nil {
		return err
	}
	respond.Send(reply)
	return nil
}

func (h *FeedHandler) HandleViewport(ctx context.Context, respond ResponseSender, msg Msg) error {
	return errors.New("viewports are not accepted on the feed").
		WithType(models.ErrTypeValidation)
}

func (h *FeedHandler) HandleFrame(ctx context.Context, respond ResponseSender) error {
	return nil
}

func (h *FeedHandler) Receiver() Receiver {
	return receive(h.conn, MsgTypeBatch)
}

func (h *FeedHandler) FrameDuration() time.Duration {
	return 0
}

func (h *FeedHandler) IdleTimeout() time.Duration {
	if h.ClientIdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return h.ClientIdleTimeout
}
