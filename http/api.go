package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/filter"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/search"
	"github.com/aukilabs/kort/tilecache"
	"github.com/aukilabs/kort/update"
	"github.com/aukilabs/kort/viewport"
	"github.com/segmentio/encoding/json"
)

// MaxBatchSize is the maximum size of an update request body.
const MaxBatchSize = 8 << 20

// API serves the map HTTP endpoints.
type API struct {
	Viewport     *viewport.Engine
	Search       *search.Index
	Updates      *update.Queue
	Tiles        *tilecache.Cache
	FeatureFlags featureflag.FeatureFlag

	// The context of background work such as tile preloading. Background is
	// used when nil.
	Context context.Context

	fetcherMutex sync.RWMutex
	fetcher      tilecache.Fetcher
}

// Register adds the API routes to the given mux, with CORS enabled. Each path
// also answers OPTIONS so that preflight requests reach the CORS handler.
func (a *API) Register(mux *http.ServeMux) {
	handle := func(method, path string, h http.HandlerFunc) {
		handler := HandleWithCORS(h)
		mux.Handle(method+" "+path, handler)
		mux.Handle(http.MethodOptions+" "+path, handler)
	}

	handle(http.MethodGet, "/clusters", a.HandleClusters)
	handle(http.MethodGet, "/entities/{id}", a.HandleEntity)
	handle(http.MethodGet, "/search", a.HandleSearch)
	handle(http.MethodPost, "/updates", a.HandleUpdates)
	handle(http.MethodGet, "/tiles/{z}/{x}/{y}", a.HandleTile)
	handle(http.MethodPost, "/tiles/invalidate", a.HandleTileInvalidation)
}

// SetFetcher sets the tile provider used on tile cache misses.
func (a *API) SetFetcher(f tilecache.Fetcher) {
	a.fetcherMutex.Lock()
	defer a.fetcherMutex.Unlock()
	a.fetcher = f
}

func (a *API) Fetcher() tilecache.Fetcher {
	a.fetcherMutex.RLock()
	defer a.fetcherMutex.RUnlock()
	return a.fetcher
}

func (a *API) context() context.Context {
	if a.Context == nil {
		return context.Background()
	}
	return a.Context
}

// HandleClusters serves the clusters of a viewport:
//
//	GET /clusters?bbox=west,south,east,north&zoom=12&filters=[...]
func (a *API) HandleClusters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	bounds, err := ParseBBox(query.Get("bbox"))
	if err != nil {
		writeError(w, err)
		return
	}

	zoom, err := strconv.Atoi(query.Get("zoom"))
	if err != nil {
		writeError(w, errors.New("invalid zoom").
			WithType(models.ErrTypeValidation).
			WithTag("zoom", query.Get("zoom")).
			Wrap(err))
		return
	}

	filters, err := filter.Parse([]byte(query.Get("filters")))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.Viewport.Query(viewport.Viewport{
		Bounds: bounds,
		Zoom:   zoom,
	}, filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) HandleEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	e, ok := a.Search.ExactLookup(id)
	if !ok {
		writeError(w, errors.New("entity not found").
			WithType(models.ErrTypeNotFound).
			WithTag("entity_id", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// SearchResponse is the body of a search response.
type SearchResponse struct {
	Mode    search.Mode    `json:"mode"`
	Matches []search.Match `json:"matches"`
}

// HandleSearch serves entity searches:
//
//	GET /search?q=vehicle-10&mode=fuzzy&threshold=0.8
func (a *API) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	mode, err := search.ParseMode(query.Get("mode"))
	if err != nil {
		writeError(w, err)
		return
	}

	var threshold float64
	if v := query.Get("threshold"); v != "" {
		if threshold, err = strconv.ParseFloat(v, 64); err != nil || threshold >= 1 {
			writeError(w, errors.New("invalid threshold").
				WithType(models.ErrTypeValidation).
				WithTag("threshold", v))
			return
		}
	}

	matches, err := a.Search.Search(mode, query.Get("q"), threshold)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SearchResponse{
		Mode:    mode,
		Matches: matches,
	})
}

// HandleUpdates applies a batch of entity deltas posted by a position feed
// webhook and responds with the batch result.
func (a *API) HandleUpdates(w http.ResponseWriter, r *http.Request) {
	var b update.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBatchSize)).Decode(&b); err != nil {
		writeError(w, errors.New("decoding update batch failed").
			WithType(models.ErrTypeValidation).
			Wrap(err))
		return
	}

	res, err := a.Updates.Submit(r.Context(), b)
	if err != nil {
		writeError(w, errors.New("submitting update batch failed").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ParseBBox parses a "west,south,east,north" bounding box.
func ParseBBox(s string) (models.Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return models.Bounds{}, errors.New("bbox must be west,south,east,north").
			WithType(models.ErrTypeValidation).
			WithTag("bbox", s)
	}

	var values [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return models.Bounds{}, errors.New("invalid bbox value").
				WithType(models.ErrTypeValidation).
				WithTag("bbox", s).
				Wrap(err)
		}
		values[i] = v
	}

	b := models.Bounds{
		West:  values[0],
		South: values[1],
		East:  values[2],
		North: values[3],
	}
	return b, b.Validate()
}

// ErrorResponse is the body of an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := errors.Type(err)

	switch {
	case errors.IsType(err, models.ErrTypeValidation):
		status = http.StatusBadRequest
		errType = models.ErrTypeValidation

	case errors.IsType(err, models.ErrTypeNotFound):
		status = http.StatusNotFound
		errType = models.ErrTypeNotFound
	}

	if errType == "" {
		errType = "internal_error"
	}
	if status == http.StatusInternalServerError {
		logs.WithTag("error_type", errType).Error(err)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   errType,
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding response failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
