package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/grid"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/update"
	"github.com/aukilabs/kort/viewport"
	"github.com/aukilabs/kort/world"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type testEnv struct {
	world    *world.World
	queue    *update.Queue
	viewport *viewport.Engine
}

func newTestEnv(t *testing.T) testEnv {
	w, err := world.New(grid.Config{
		BaseCellSize: grid.DefaultBaseCellSize,
		BaseZoom:     grid.DefaultBaseZoom,
	})
	require.NoError(t, err)

	vp, err := viewport.NewEngine(w, viewport.Config{SplitThreshold: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	queue := update.NewQueue(&update.Engine{World: w}, 8)
	queue.Start(ctx)

	return testEnv{
		world:    w,
		queue:    queue,
		viewport: vp,
	}
}

func (e testEnv) submit(t *testing.T, deltas ...update.Delta) {
	_, err := e.queue.Submit(context.Background(), update.Batch{Deltas: deltas})
	require.NoError(t, err)
}

func (e testEnv) feedHandler(flags ...string) func() Handler {
	return func() Handler {
		var h Handler = &FeedHandler{
			Updates:           e.queue,
			ClientIdleTimeout: time.Minute,
			FeatureFlags:      featureflag.New(flags),
		}
		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "/feed")
		return h
	}
}

func (e testEnv) liveHandler(flags ...string) func() Handler {
	return func() Handler {
		var h Handler = &LiveHandler{
			Viewport:          e.viewport,
			ClientIdleTimeout: time.Minute,
			LiveFrameDuration: time.Millisecond * 10,
			FeatureFlags:      featureflag.New(flags),
		}
		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "/live")
		return h
	}
}

func receiveMsg(t *testing.T, conn *websocket.Conn) Msg {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))

	var data string
	require.NoError(t, websocket.Message.Receive(conn, &data))

	var msg Msg
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	return msg
}

type batchResult struct {
	BatchID  string `json:"batch_id"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Errors   []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"errors"`
}

func TestFeedHandler(t *testing.T) {
	env := newTestEnv(t)
	dial, close := NewTestingEnv(t, env.feedHandler())
	defer close()

	conn := dial()

	t.Run("text frame batch is applied", func(t *testing.T) {
		err := websocket.Message.Send(conn, `{
			"id": "feed-1",
			"deltas": [
				{"id": "vehicle-1", "kind": "vehicle", "position": {"lat": 30.01, "lng": -84.01}},
				{"id": "vehicle-2", "kind": "vehicle"}
			]
		}`)
		require.NoError(t, err)

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeBatchResult, msg.Type)

		var res batchResult
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, "feed-1", res.BatchID)
		require.Equal(t, 1, res.Inserted)
		require.Len(t, res.Errors, 1)
		require.Equal(t, models.ErrTypeValidation, res.Errors[0].Type)
	})

	t.Run("binary frame batch is applied", func(t *testing.T) {
		s, err := structpb.NewStruct(map[string]any{
			"id": "feed-2",
			"deltas": []any{
				map[string]any{
					"id":       "vehicle-1",
					"position": map[string]any{"lat": 30.02, "lng": -84.02},
				},
				map[string]any{
					"id":       "camera-1",
					"kind":     "camera",
					"position": map[string]any{"lat": 30.31, "lng": -84.31},
				},
			},
		})
		require.NoError(t, err)

		data, err := proto.Marshal(s)
		require.NoError(t, err)
		require.NoError(t, websocket.Message.Send(conn, data))

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeBatchResult, msg.Type)

		var res batchResult
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, "feed-2", res.BatchID)
		require.Equal(t, 1, res.Inserted)
		require.Equal(t, 1, res.Updated)

		env.world.Read(func(s *models.EntityStore, idx *grid.Index) {
			e, ok := s.EntityByID("vehicle-1")
			require.True(t, ok)
			require.Equal(t, models.Position{Lat: 30.02, Lng: -84.02}, e.Position)
		})
	})

	t.Run("malformed frames are reported without closing the connection", func(t *testing.T) {
		require.NoError(t, websocket.Message.Send(conn, `{"deltas": `))
		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeError, msg.Type)

		var data ErrorData
		require.NoError(t, msg.DataTo(&data))
		require.Equal(t, models.ErrTypeValidation, data.Error)

		require.NoError(t, websocket.Message.Send(conn, []byte{0x0a, 0xff}))
		msg = receiveMsg(t, conn)
		require.Equal(t, MsgTypeError, msg.Type)

		require.NoError(t, websocket.Message.Send(conn, `{"id": "feed-3", "deltas": []}`))
		msg = receiveMsg(t, conn)
		require.Equal(t, MsgTypeBatchResult, msg.Type)
	})
}

func TestFeedHandlerDisabled(t *testing.T) {
	env := newTestEnv(t)
	dial, close := NewTestingEnv(t, env.feedHandler(string(featureflag.FlagDisableFeedIngest)))
	defer close()

	conn := dial()
	require.NoError(t, websocket.Message.Send(conn, `{"deltas": [{"id": "vehicle-1", "kind": "vehicle", "position": {"lat": 1, "lng": 1}}]}`))

	msg := receiveMsg(t, conn)
	require.Equal(t, MsgTypeError, msg.Type)

	var data ErrorData
	require.NoError(t, msg.DataTo(&data))
	require.Equal(t, ErrTypeFeedDisabled, data.Error)
	require.Zero(t, env.world.Version())
}

const testViewportRequest = `{
	"zoom": 10,
	"bounds": {"north": 30.5, "south": 29.5, "east": -83.5, "west": -84.5}
}`

func TestLiveHandler(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t,
		update.Delta{ID: "vehicle-1", Kind: models.KindVehicle, Position: &models.Position{Lat: 30.01, Lng: -84.01}},
		update.Delta{ID: "camera-1", Kind: models.KindCamera, Position: &models.Position{Lat: 30.31, Lng: -84.31}},
	)

	dial, close := NewTestingEnv(t, env.liveHandler())
	defer close()

	conn := dial()

	t.Run("viewport change is answered with clusters", func(t *testing.T) {
		require.NoError(t, websocket.Message.Send(conn, testViewportRequest))

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeClusters, msg.Type)
		require.NotEmpty(t, msg.SessionID)
		require.Equal(t, env.world.Version(), msg.Version)

		var res viewport.Result
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, 2, res.TotalVisible)
		require.Len(t, res.Clusters, 2)
	})

	t.Run("world change is pushed on the next frame", func(t *testing.T) {
		env.submit(t, update.Delta{
			ID:       "vehicle-2",
			Kind:     models.KindVehicle,
			Position: &models.Position{Lat: 30.02, Lng: -84.02},
		})

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeClusters, msg.Type)
		require.Equal(t, env.world.Version(), msg.Version)

		var res viewport.Result
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, 3, res.TotalVisible)
	})

	t.Run("filters are applied", func(t *testing.T) {
		require.NoError(t, websocket.Message.Send(conn, `{
			"zoom": 10,
			"bounds": {"north": 30.5, "south": 29.5, "east": -83.5, "west": -84.5},
			"filters": [{"type": "kind_in", "values": ["camera"]}]
		}`))

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeClusters, msg.Type)

		var res viewport.Result
		require.NoError(t, msg.DataTo(&res))
		require.Equal(t, 1, res.TotalFiltered)
		require.Equal(t, []string{"camera-1"}, res.Clusters[0].MemberIDs)
	})

	t.Run("invalid viewport is reported", func(t *testing.T) {
		require.NoError(t, websocket.Message.Send(conn, `{
			"zoom": 99,
			"bounds": {"north": 30.5, "south": 29.5, "east": -83.5, "west": -84.5}
		}`))

		msg := receiveMsg(t, conn)
		require.Equal(t, MsgTypeError, msg.Type)

		var data ErrorData
		require.NoError(t, msg.DataTo(&data))
		require.Equal(t, models.ErrTypeValidation, data.Error)
	})
}

func TestLiveHandlerPushDisabled(t *testing.T) {
	env := newTestEnv(t)
	dial, close := NewTestingEnv(t, env.liveHandler(string(featureflag.FlagDisableLivePush)))
	defer close()

	conn := dial()
	require.NoError(t, websocket.Message.Send(conn, testViewportRequest))
	require.Equal(t, MsgTypeClusters, receiveMsg(t, conn).Type)

	env.submit(t, update.Delta{
		ID:       "vehicle-1",
		Kind:     models.KindVehicle,
		Position: &models.Position{Lat: 30.01, Lng: -84.01},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Millisecond*200)))
	var data string
	require.Error(t, websocket.Message.Receive(conn, &data))
}

func TestHandlerIdleTimeout(t *testing.T) {
	env := newTestEnv(t)
	dial, close := NewTestingEnv(t, func() Handler {
		return &LiveHandler{
			Viewport:          env.viewport,
			ClientIdleTimeout: time.Millisecond * 50,
		}
	})
	defer close()

	conn := dial()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))

	var data string
	require.Error(t, websocket.Message.Receive(conn, &data))
}

func TestMsgFrom(t *testing.T) {
	msg, err := MsgFrom(MsgTypeError, ErrorData{Error: "not_found", Message: "entity not found"})
	require.NoError(t, err)
	require.Equal(t, MsgTypeError, msg.Type)
	require.JSONEq(t, `{"error":"not_found","message":"entity not found"}`, string(msg.Data))

	_, err = MsgFrom(MsgTypeBatch, func() {})
	require.Error(t, err)
}
