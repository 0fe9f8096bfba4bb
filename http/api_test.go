package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/grid"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/search"
	"github.com/aukilabs/kort/tilecache"
	"github.com/aukilabs/kort/update"
	"github.com/aukilabs/kort/viewport"
	"github.com/aukilabs/kort/world"
	"github.com/paulmach/orb/maptile"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	*API
	mux     *http.ServeMux
	fetches atomic.Int32
}

func newTestAPI(t *testing.T, flags ...string) *testAPI {
	w, err := world.New(grid.Config{
		BaseCellSize: grid.DefaultBaseCellSize,
		BaseZoom:     grid.DefaultBaseZoom,
	})
	require.NoError(t, err)

	vp, err := viewport.NewEngine(w, viewport.Config{SplitThreshold: 1})
	require.NoError(t, err)

	tiles, err := tilecache.New(tilecache.Config{Capacity: 32})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	queue := update.NewQueue(&update.Engine{World: w}, 8)
	queue.Start(ctx)

	api := &testAPI{
		API: &API{
			Viewport:     vp,
			Search:       &search.Index{World: w},
			Updates:      queue,
			Tiles:        tiles,
			FeatureFlags: featureflag.New(flags),
			Context:      ctx,
		},
		mux: http.NewServeMux(),
	}

	api.SetFetcher(tilecache.FetcherFunc(func(ctx context.Context, key maptile.Tile) ([]byte, error) {
		api.fetches.Add(1)
		if key.Z > 18 {
			return nil, errors.New("tile does not exist").WithType(models.ErrTypeNotFound)
		}
		if key.Z == 18 {
			return nil, errors.New("provider unavailable")
		}
		return []byte(tileTag(key)), nil
	}))
	api.Register(api.mux)

	_, err = queue.Submit(ctx, update.Batch{Deltas: []update.Delta{
		{ID: "vehicle-1", Kind: models.KindVehicle, Position: &models.Position{Lat: 30.01, Lng: -84.01}},
		{ID: "vehicle-2", Kind: models.KindVehicle, Position: &models.Position{Lat: 30.02, Lng: -84.02}},
		{ID: "camera-1", Kind: models.KindCamera, Position: &models.Position{Lat: 30.31, Lng: -84.31}},
	}})
	require.NoError(t, err)
	return api
}

func (a *testAPI) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	res := httptest.NewRecorder()
	a.mux.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &v))
	return v
}

func TestHandleClusters(t *testing.T) {
	api := newTestAPI(t)

	t.Run("clusters are returned", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/clusters?bbox=-84.5,29.5,-83.5,30.5&zoom=10", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))

		body := decode[viewport.Result](t, res)
		require.Equal(t, 3, body.TotalVisible)
		require.Len(t, body.Clusters, 2)
	})

	t.Run("filters are applied", func(t *testing.T) {
		filters := url.QueryEscape(`[{"type":"kind_in","values":["camera"]}]`)
		res := api.do(t, http.MethodGet, "/clusters?bbox=-84.5,29.5,-83.5,30.5&zoom=10&filters="+filters, nil)
		require.Equal(t, http.StatusOK, res.Code)

		body := decode[viewport.Result](t, res)
		require.Equal(t, 3, body.TotalVisible)
		require.Equal(t, 1, body.TotalFiltered)
		require.Equal(t, []string{"camera-1"}, body.Clusters[0].MemberIDs)
	})

	for _, target := range []string{
		"/clusters?bbox=-84.5,29.5,-83.5&zoom=10",
		"/clusters?bbox=-84.5,29.5,-83.5,north&zoom=10",
		"/clusters?bbox=-84.5,30.5,-83.5,29.5&zoom=10",
		"/clusters?bbox=-84.5,29.5,-83.5,30.5",
		"/clusters?bbox=-84.5,29.5,-83.5,30.5&zoom=40",
		"/clusters?bbox=-84.5,29.5,-83.5,30.5&zoom=10&filters=" + url.QueryEscape(`[{"type":"near"}]`),
	} {
		t.Run(target+" is a bad request", func(t *testing.T) {
			res := api.do(t, http.MethodGet, target, nil)
			require.Equal(t, http.StatusBadRequest, res.Code)
			require.Equal(t, models.ErrTypeValidation, decode[ErrorResponse](t, res).Error)
		})
	}
}

func TestHandleEntity(t *testing.T) {
	api := newTestAPI(t)

	res := api.do(t, http.MethodGet, "/entities/vehicle-1", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "vehicle-1", decode[models.Entity](t, res).ID)

	res = api.do(t, http.MethodGet, "/entities/vehicle-404", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	require.Equal(t, models.ErrTypeNotFound, decode[ErrorResponse](t, res).Error)
}

func TestHandleSearch(t *testing.T) {
	api := newTestAPI(t)

	t.Run("substring is the default mode", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/search?q=vehicle", nil)
		require.Equal(t, http.StatusOK, res.Code)

		body := decode[SearchResponse](t, res)
		require.Equal(t, search.ModeSubstring, body.Mode)
		require.Len(t, body.Matches, 2)
	})

	t.Run("fuzzy search", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/search?q=vehicle-3&mode=fuzzy&threshold=0.8", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.Len(t, decode[SearchResponse](t, res).Matches, 2)
	})

	t.Run("no match returns an empty list", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/search?q=boat", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.JSONEq(t, `{"mode":"substring","matches":[]}`, res.Body.String())
	})

	for _, target := range []string{
		"/search?q=vehicle&mode=regex",
		"/search?q=vehicle&mode=fuzzy&threshold=high",
		"/search?q=vehicle&mode=fuzzy&threshold=1.5",
	} {
		t.Run(target+" is a bad request", func(t *testing.T) {
			require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, target, nil).Code)
		})
	}
}

func TestHandleUpdates(t *testing.T) {
	api := newTestAPI(t)

	t.Run("batch is applied", func(t *testing.T) {
		res := api.do(t, http.MethodPost, "/updates", []byte(`{
			"id": "webhook-1",
			"deltas": [
				{"id": "vehicle-1", "position": {"lat": 30.4, "lng": -84.4}},
				{"id": "camera-1", "remove": true},
				{"id": "vehicle-3", "kind": "vehicle"}
			]
		}`))
		require.Equal(t, http.StatusOK, res.Code)

		var body struct {
			BatchID string `json:"batch_id"`
			Updated int    `json:"updated"`
			Removed int    `json:"removed"`
			Errors  []struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"errors"`
		}
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
		require.Equal(t, "webhook-1", body.BatchID)
		require.Equal(t, 1, body.Updated)
		require.Equal(t, 1, body.Removed)
		require.Len(t, body.Errors, 1)
		require.Equal(t, "vehicle-3", body.Errors[0].ID)
		require.Equal(t, models.ErrTypeValidation, body.Errors[0].Type)

		e, ok := api.Search.ExactLookup("vehicle-1")
		require.True(t, ok)
		require.Equal(t, models.Position{Lat: 30.4, Lng: -84.4}, e.Position)
	})

	t.Run("malformed batch is a bad request", func(t *testing.T) {
		res := api.do(t, http.MethodPost, "/updates", []byte(`{"deltas": 42}`))
		require.Equal(t, http.StatusBadRequest, res.Code)
	})

	t.Run("wrong method is not allowed", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/updates", nil)
		require.Equal(t, http.StatusMethodNotAllowed, res.Code)
	})
}

func TestHandleTile(t *testing.T) {
	api := newTestAPI(t, string(featureflag.FlagDisableTilePreload))

	t.Run("cache miss fetches the tile", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/tiles/3/2/1.png", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.Equal(t, "MISS", res.Header().Get("X-Cache"))
		require.Equal(t, "3/2/1", res.Body.String())
		require.NotEmpty(t, res.Header().Get("ETag"))
		require.Equal(t, int32(1), api.fetches.Load())
	})

	t.Run("cache hit does not fetch the tile", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/tiles/3/2/1", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.Equal(t, "HIT", res.Header().Get("X-Cache"))
		require.Equal(t, int32(1), api.fetches.Load())
	})

	t.Run("matching etag is not modified", func(t *testing.T) {
		etag := api.do(t, http.MethodGet, "/tiles/3/2/1", nil).Header().Get("ETag")

		req := httptest.NewRequest(http.MethodGet, "/tiles/3/2/1", nil)
		req.Header.Set("If-None-Match", etag)
		res := httptest.NewRecorder()
		api.mux.ServeHTTP(res, req)
		require.Equal(t, http.StatusNotModified, res.Code)
		require.Empty(t, res.Body.Bytes())
	})

	t.Run("out of range tile is a bad request", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/tiles/3/8/1", nil).Code)
		require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/tiles/a/b/c", nil).Code)
	})

	t.Run("missing tile is not found", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/tiles/19/0/0", nil).Code)
	})

	t.Run("provider failure is a bad gateway", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/tiles/18/0/0", nil)
		require.Equal(t, http.StatusBadGateway, res.Code)
		require.Equal(t, ErrTypeTileProvider, decode[ErrorResponse](t, res).Error)
	})

	t.Run("invalidation empties the cache", func(t *testing.T) {
		res := api.do(t, http.MethodPost, "/tiles/invalidate", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.Equal(t, 1, decode[TileInvalidationResponse](t, res).Invalidated)
		require.Zero(t, api.Tiles.Len())
	})

	t.Run("invalidation switches the provider", func(t *testing.T) {
		res := api.do(t, http.MethodPost, "/tiles/invalidate", []byte(`{"url_template": "https://tiles.example.com/{z}/{x}/{y}.png"}`))
		require.Equal(t, http.StatusOK, res.Code)

		f, ok := api.Fetcher().(*tilecache.HTTPFetcher)
		require.True(t, ok)
		require.Equal(t, "https://tiles.example.com/{z}/{x}/{y}.png", f.URLTemplate)
	})
}

func TestHandleTilePreload(t *testing.T) {
	api := newTestAPI(t)

	res := api.do(t, http.MethodGet, "/tiles/4/4/4", nil)
	require.Equal(t, http.StatusOK, res.Code)

	require.Eventually(t, func() bool {
		return api.Tiles.Len() == 9
	}, time.Second, time.Millisecond*10)

	t.Run("cache hit does not preload", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/tiles/4/5/4", nil)
		require.Equal(t, http.StatusOK, res.Code)
		require.Equal(t, "HIT", res.Header().Get("X-Cache"))

		require.Never(t, func() bool {
			return api.Tiles.Len() != 9
		}, time.Millisecond*100, time.Millisecond*10)
		require.Equal(t, int32(9), api.fetches.Load())
	})

	t.Run("missing provider serves cached tiles only", func(t *testing.T) {
		api.SetFetcher(nil)

		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/tiles/4/4/4", nil).Code)
		require.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/tiles/4/9/9", nil).Code)
		require.Equal(t, 9, api.Tiles.Len())
	})
}

func TestHandleTileConcurrentPreload(t *testing.T) {
	api := newTestAPI(t)

	tiles, err := tilecache.New(tilecache.Config{Capacity: 32, MaxPreloads: 16})
	require.NoError(t, err)
	api.Tiles = tiles

	var mutex sync.Mutex
	fetches := make(map[maptile.Tile]int)
	api.SetFetcher(tilecache.FetcherFunc(func(ctx context.Context, key maptile.Tile) ([]byte, error) {
		mutex.Lock()
		fetches[key]++
		mutex.Unlock()

		time.Sleep(time.Millisecond * 5)
		return []byte(tileTag(key)), nil
	}))

	targets := []maptile.Tile{
		maptile.New(4, 4, 4),
		maptile.New(5, 4, 4),
		maptile.New(4, 5, 4),
	}

	codes := make([]int, 12)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = api.do(t, http.MethodGet, "/tiles/"+tileTag(targets[i%len(targets)]), nil).Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		require.Equal(t, http.StatusOK, code)
	}

	expected := make(map[maptile.Tile]struct{})
	for _, target := range targets {
		expected[target] = struct{}{}
		for _, n := range tilecache.Neighbors(target) {
			expected[n] = struct{}{}
		}
	}

	require.Eventually(t, func() bool {
		return api.Tiles.Len() == len(expected)
	}, time.Second, time.Millisecond*10)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, fetches, len(expected))
	for key, count := range fetches {
		require.Equal(t, 1, count, tileTag(key))
	}
}

func TestHandleWithCORS(t *testing.T) {
	h := HandleWithCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodOptions, "/clusters", nil))
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))

	res = httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/clusters", nil))
	require.Equal(t, http.StatusTeapot, res.Code)
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	for _, target := range []string{
		"/clusters",
		"/entities/vehicle-1",
		"/search",
		"/updates",
		"/tiles/1/0/0",
		"/tiles/invalidate",
	} {
		t.Run(target+" answers preflight requests", func(t *testing.T) {
			res := api.do(t, http.MethodOptions, target, nil)
			require.Equal(t, http.StatusNoContent, res.Code)
			require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
			require.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
			require.Empty(t, res.Body.String())
		})
	}

	t.Run("preflight does not fetch tiles", func(t *testing.T) {
		require.Zero(t, api.fetches.Load())
		require.Zero(t, api.Tiles.Len())
	})

	t.Run("other methods are still rejected", func(t *testing.T) {
		res := api.do(t, http.MethodDelete, "/clusters", nil)
		require.Equal(t, http.StatusMethodNotAllowed, res.Code)
	})
}

func TestMetricsPathFormatter(t *testing.T) {
	tests := []struct {
		status   int
		path     string
		expected string
	}{
		{status: http.StatusOK, path: "/clusters", expected: "/clusters"},
		{status: http.StatusOK, path: "/entities/vehicle-1", expected: "/entities/{id}"},
		{status: http.StatusOK, path: "/tiles/3/2/1.png", expected: "/tiles/{z}/{x}/{y}"},
		{status: http.StatusOK, path: "/tiles/invalidate", expected: "/tiles/invalidate"},
		{status: http.StatusOK, path: "/unknown", expected: ""},
		{status: http.StatusNotFound, path: "/entities/vehicle-404", expected: ""},
		{status: http.StatusBadRequest, path: "/clusters", expected: ""},
	}

	for _, test := range tests {
		t.Run(test.path, func(t *testing.T) {
			require.Equal(t, test.expected, MetricsPathFormatter(test.status, test.path))
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	res := httptest.NewRecorder()
	HandleHealthCheck(res, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, res.Code)

	ready := false
	h := HandleReadyCheck(func() bool { return ready })

	res = httptest.NewRecorder()
	h(res, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, res.Code)

	ready = true
	res = httptest.NewRecorder()
	h(res, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	HandleVersion("v1.2.3")(res, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, "v1.2.3", res.Body.String())
}
