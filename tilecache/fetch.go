package tilecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kort/models"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the highest supported tile zoom.
const MaxZoom = 22

// NewTile returns the tile with the given coordinates or a validation error
// when they are out of range.
func NewTile(z, x, y int) (maptile.Tile, error) {
	if z < 0 || z > MaxZoom {
		return maptile.Tile{}, errors.New("tile zoom out of range").
			WithType(models.ErrTypeValidation).
			WithTag("z", z)
	}

	n := 1 << uint(z)
	if x < 0 || x >= n || y < 0 || y >= n {
		return maptile.Tile{}, errors.New("tile coordinates out of range").
			WithType(models.ErrTypeValidation).
			WithTag("z", z).
			WithTag("x", x).
			WithTag("y", y)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

// Fetcher retrieves tile payloads from a tile provider.
type Fetcher interface {
	Fetch(ctx context.Context, key maptile.Tile) ([]byte, error)
}

// FetcherFunc is a function that implements the Fetcher interface.
type FetcherFunc func(ctx context.Context, key maptile.Tile) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key maptile.Tile) ([]byte, error) {
	return f(ctx, key)
}

// HTTPFetcher fetches tiles from a provider URL template such as
// "https://tile.example.com/{z}/{x}/{y}.png".
type HTTPFetcher struct {
	URLTemplate string

	// The transport used to perform requests. http.DefaultTransport is used
	// when nil.
	Transport http.RoundTripper
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key maptile.Tile) ([]byte, error) {
	url := TileURL(f.URLTemplate, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.New("creating tile request failed").
			WithTag("url", url).
			Wrap(err)
	}

	transport := f.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	res, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return nil, errors.New("fetching tile failed").
			WithTag("url", url).
			Wrap(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Newf("tile provider responded with status %v", res.StatusCode).
			WithType(models.ErrTypeNotFound).
			WithTag("url", url).
			WithTag("status_code", res.StatusCode)
	}

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.New("reading tile failed").
			WithTag("url", url).
			Wrap(err)
	}
	return payload, nil
}

// TileURL replaces the {z}, {x} and {y} placeholders of a URL template.
func TileURL(template string, key maptile.Tile) string {
	return strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(key.Z), 10),
		"{x}", strconv.FormatUint(uint64(key.X), 10),
		"{y}", strconv.FormatUint(uint64(key.Y), 10),
	).Replace(template)
}

// Load returns a resident tile or fetches and stores it on a miss. Concurrent
// loads of the same missing tile share a single fetch. The returned payload
// must not be modified.
func (c *Cache) Load(ctx context.Context, key maptile.Tile, f Fetcher) (payload []byte, hit bool, err error) {
	if payload, ok := c.Get(key); ok {
		return payload, true, nil
	}

	payload, _, err = c.load(ctx, key, f)
	return payload, false, err
}

// load fetches and stores a tile unless it became resident in the meantime.
// fetched reports whether the tile was fetched by this call.
func (c *Cache) load(ctx context.Context, key maptile.Tile, f Fetcher) (payload []byte, fetched bool, err error) {
	v, err, _ := c.flights.Do(tileString(key), func() (any, error) {
		if payload, ok := c.peek(key); ok {
			return payload, nil
		}

		payload, err := f.Fetch(ctx, key)
		if err != nil {
			return nil, err
		}

		c.Put(key, payload)
		fetched = true
		return payload, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), fetched, nil
}

// Preload fetches and stores the given tiles that are not resident yet. Tiles
// already being fetched are not fetched again. At most Config.MaxPreloads
// preloads run at the same time, others are skipped. It stops when the context
// is canceled. Fetch failures are only logged since preloading is best effort.
// It returns the number of tiles fetched and stored by this call.
func (c *Cache) Preload(ctx context.Context, keys []maptile.Tile, f Fetcher) int {
	if !c.preloads.TryAcquire(1) {
		instrumentPreloadSkip()
		return 0
	}
	defer c.preloads.Release(1)

	var loaded int

	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		if c.Contains(k) {
			continue
		}

		_, fetched, err := c.load(ctx, k, f)
		if err != nil {
			logs.WithTag("tile", tileString(k)).Debug(errors.New("preloading tile failed").Wrap(err))
			instrumentPreload(false)
			continue
		}

		if fetched {
			instrumentPreload(true)
			loaded++
		}
	}
	return loaded
}

// PreloadAround preloads the 8 neighbors of a tile.
func (c *Cache) PreloadAround(ctx context.Context, key maptile.Tile, f Fetcher) int {
	return c.Preload(ctx, Neighbors(key), f)
}

func tileString(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
