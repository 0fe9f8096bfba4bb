package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/tilecache"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/paulmach/orb/maptile"
	"github.com/segmentio/encoding/json"
)

// ErrTypeTileProvider is the error type of tile provider failures.
const ErrTypeTileProvider = "tile_provider_error"

var noFetcher = tilecache.FetcherFunc(func(ctx context.Context, key maptile.Tile) ([]byte, error) {
	return nil, errors.New("tile is not cached and no tile provider is configured").
		WithType(models.ErrTypeNotFound).
		WithTag("tile", tileTag(key))
})

// HandleTile serves a tile from the tile cache, fetching it from the tile
// provider on a cache miss. The neighbors of a missed tile are preloaded in
// the background.
func (a *API) HandleTile(w http.ResponseWriter, r *http.Request) {
	key, err := parseTile(r)
	if err != nil {
		writeError(w, err)
		return
	}

	provider := a.Fetcher()
	fetcher := provider
	if fetcher == nil {
		fetcher = noFetcher
	}

	payload, hit, err := a.Tiles.Load(r.Context(), key, fetcher)
	if err != nil {
		if errors.IsType(err, models.ErrTypeNotFound) {
			writeError(w, err)
			return
		}

		logs.WithTag("tile", tileTag(key)).Warn(err)
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   ErrTypeTileProvider,
			Message: err.Error(),
		})
		return
	}

	cacheStatus := "HIT"
	if !hit {
		cacheStatus = "MISS"
	}

	if !hit && provider != nil {
		a.FeatureFlags.IfNotSet(featureflag.FlagDisableTilePreload, func() {
			go a.Tiles.PreloadAround(a.context(), key, provider)
		})
	}

	etag := `"` + crypto.Keccak256Hash(payload).Hex() + `"`

	header := w.Header()
	header.Set("ETag", etag)
	header.Set("X-Cache", cacheStatus)
	header.Set("Cache-Control", "public, max-age=3600")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	header.Set("Content-Type", http.DetectContentType(payload))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// TileInvalidation is the body of a tile invalidation request. Setting
// URLTemplate switches the tile provider.
type TileInvalidation struct {
	URLTemplate string `json:"url_template,omitempty"`
}

// TileInvalidationResponse is the body of a tile invalidation response.
type TileInvalidationResponse struct {
	Invalidated int    `json:"invalidated"`
	URLTemplate string `json:"url_template,omitempty"`
}

// HandleTileInvalidation empties the tile cache, typically after a map style
// or tile provider switch.
func (a *API) HandleTileInvalidation(w http.ResponseWriter, r *http.Request) {
	var req TileInvalidation
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, errors.New("decoding tile invalidation failed").
				WithType(models.ErrTypeValidation).
				Wrap(err))
			return
		}
	}

	if req.URLTemplate != "" {
		f := &tilecache.HTTPFetcher{URLTemplate: req.URLTemplate}
		if current, ok := a.Fetcher().(*tilecache.HTTPFetcher); ok {
			f.Transport = current.Transport
		}
		a.SetFetcher(f)
	}

	n := a.Tiles.Len()
	a.Tiles.InvalidateAll()

	logs.WithTag("invalidated", n).
		WithTag("url_template", req.URLTemplate).
		Info("tile cache invalidated")

	writeJSON(w, http.StatusOK, TileInvalidationResponse{
		Invalidated: n,
		URLTemplate: req.URLTemplate,
	})
}

func parseTile(r *http.Request) (maptile.Tile, error) {
	var coords [3]int
	for i, name := range []string{"z", "x", "y"} {
		// y may carry a format extension such as 12.png.
		value, _, _ := strings.Cut(r.PathValue(name), ".")

		v, err := strconv.Atoi(value)
		if err != nil {
			return maptile.Tile{}, errors.New("invalid tile coordinate").
				WithType(models.ErrTypeValidation).
				WithTag(name, r.PathValue(name)).
				Wrap(err)
		}
		coords[i] = v
	}
	return tilecache.NewTile(coords[0], coords[1], coords[2])
}

func tileTag(t maptile.Tile) string {
	return strconv.Itoa(int(t.Z)) + "/" + strconv.Itoa(int(t.X)) + "/" + strconv.Itoa(int(t.Y))
}
