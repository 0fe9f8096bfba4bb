package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/kort/featureflag"
	"github.com/aukilabs/kort/grid"
	korthttp "github.com/aukilabs/kort/http"
	"github.com/aukilabs/kort/search"
	"github.com/aukilabs/kort/tilecache"
	"github.com/aukilabs/kort/update"
	"github.com/aukilabs/kort/viewport"
	kwebsocket "github.com/aukilabs/kort/websocket"
	"github.com/aukilabs/kort/world"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
)

var (
	// The kort version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "kort_info",
		Help:        "Kort information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"KORT_ADDR"                  help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"KORT_ADMIN_ADDR"            help:"Admin listening address."`
	LogLevel           string        `cli:""        env:"KORT_LOG_LEVEL"             help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"KORT_LOG_INDENT"            help:"Indent logs."`
	BaseCellSize       float64       `cli:""        env:"KORT_BASE_CELL_SIZE"        help:"The grid cell size in degrees at the base zoom."`
	BaseZoom           int           `cli:""        env:"KORT_BASE_ZOOM"             help:"The zoom the base cell size applies to."`
	SplitThreshold     int           `cli:""        env:"KORT_SPLIT_THRESHOLD"       help:"The cluster size up to which member ids are returned."`
	FuzzyThreshold     float64       `cli:""        env:"KORT_FUZZY_THRESHOLD"       help:"The default fuzzy search similarity threshold."`
	TileURLTemplate    string        `cli:""        env:"KORT_TILE_URL_TEMPLATE"     help:"The tile provider URL template, e.g. https://tile.example.com/{z}/{x}/{y}.png."`
	TileCacheCapacity  int           `cli:""        env:"KORT_TILE_CACHE_CAPACITY"   help:"The maximum number of cached tiles."`
	TilePayloadSize    int           `cli:""        env:"KORT_TILE_PAYLOAD_SIZE"     help:"The expected tile size in bytes. Bounds the tile cache memory when set."`
	TileMaxPreloads    int           `cli:""        env:"KORT_TILE_MAX_PRELOADS"     help:"The maximum number of concurrent tile neighborhood preloads."`
	UpdateQueueSize    int           `cli:",hidden" env:"KORT_UPDATE_QUEUE_SIZE"     help:"The number of pending update batches."`
	FrameDuration      time.Duration `cli:",hidden" env:"KORT_FRAME_DURATION"        help:"The interval between each live session world change check."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"KORT_CLIENT_IDLE_TIMEOUT"   help:"Time until an idle client will be disconnected"`
	LogSummaryInterval time.Duration `cli:",hidden" env:"KORT_LOG_SUMMARY_INTERVAL"  help:"The duration between each log summary by connection."`
	FeatureFlags       []string      `cli:",hidden" env:"KORT_FEATURE_FLAGS"         help:"Comma separated feature flags"`
	Version            bool          `cli:""        env:"-"                          help:"Show version."`
	Help               bool          `cli:""        env:"-"                          help:"Show help."`
}

func main() {
	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		LogLevel:           logs.InfoLevel.String(),
		BaseCellSize:       grid.DefaultBaseCellSize,
		BaseZoom:           grid.DefaultBaseZoom,
		SplitThreshold:     viewport.DefaultSplitThreshold,
		FuzzyThreshold:     search.DefaultFuzzyThreshold,
		TileCacheCapacity:  512,
		TilePayloadSize:    32 << 10,
		TileMaxPreloads:    tilecache.DefaultMaxPreloads,
		UpdateQueueSize:    256,
		FrameDuration:      time.Millisecond * 100,
		ClientIdleTimeout:  time.Minute * 5,
		LogSummaryInterval: time.Minute,
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	loadEnvFile()

	cli.Register().
		Help("Starts kort server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	w, err := world.New(grid.Config{
		BaseCellSize: conf.BaseCellSize,
		BaseZoom:     conf.BaseZoom,
	})
	if err != nil {
		logs.Fatal(errors.New("creating world failed").Wrap(err))
	}

	viewportEngine, err := viewport.NewEngine(w, viewport.Config{
		SplitThreshold: conf.SplitThreshold,
	})
	if err != nil {
		logs.Fatal(errors.New("creating viewport engine failed").Wrap(err))
	}

	searchIndex := &search.Index{
		FuzzyThreshold: conf.FuzzyThreshold,
		World:          w,
	}
	if err = searchIndex.Validate(); err != nil {
		logs.Fatal(errors.New("creating search index failed").Wrap(err))
	}

	tiles, err := tilecache.New(tilecache.Config{
		Capacity:            conf.TileCacheCapacity,
		PayloadSizeEstimate: conf.TilePayloadSize,
		MaxPreloads:         conf.TileMaxPreloads,
	})
	if err != nil {
		logs.Fatal(errors.New("creating tile cache failed").Wrap(err))
	}

	updates := update.NewQueue(&update.Engine{World: w}, conf.UpdateQueueSize)
	updates.Start(ctx)

	featureFlags := featureflag.New(conf.FeatureFlags)
	transport := metrics.HTTPTransport(http.DefaultTransport)

	api := &korthttp.API{
		Viewport:     viewportEngine,
		Search:       searchIndex,
		Updates:      updates,
		Tiles:        tiles,
		FeatureFlags: featureFlags,
		Context:      ctx,
	}
	if conf.TileURLTemplate != "" {
		api.SetFetcher(&tilecache.HTTPFetcher{
			URLTemplate: conf.TileURLTemplate,
			Transport:   transport,
		})
	}

	var ready atomic.Bool
	readinessCheck := ready.Load

	var service http.ServeMux
	api.Register(&service)

	service.Handle("/health", korthttp.HandleWithCORS(http.HandlerFunc(korthttp.HandleHealthCheck)))
	service.Handle("/ready", korthttp.HandleWithCORS(http.HandlerFunc(korthttp.HandleReadyCheck(readinessCheck))))
	service.Handle("/version", korthttp.HandleWithCORS(http.HandlerFunc(korthttp.HandleVersion(version))))

	service.Handle("/feed", kwebsocket.Server(ctx, func() kwebsocket.Handler {
		var h kwebsocket.Handler = &kwebsocket.FeedHandler{
			Updates:           updates,
			ClientIdleTimeout: conf.ClientIdleTimeout,
			FeatureFlags:      featureFlags,
		}
		h = kwebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
		return kwebsocket.HandlerWithMetrics(h, "/feed")
	}))

	service.Handle("/live", kwebsocket.Server(ctx, func() kwebsocket.Handler {
		var h kwebsocket.Handler = &kwebsocket.LiveHandler{
			Viewport:          viewportEngine,
			ClientIdleTimeout: conf.ClientIdleTimeout,
			LiveFrameDuration: conf.FrameDuration,
			FeatureFlags:      featureFlags,
		}
		h = kwebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
		return kwebsocket.HandlerWithMetrics(h, "/live")
	}))

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", korthttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", korthttp.HandleReadyCheck(readinessCheck))

	go logSummaries(ctx, w, tiles, conf.LogSummaryInterval)

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("addr", conf.Addr).
		WithTag("tile_provider", conf.TileURLTemplate).
		WithTag("feature_flags", featureFlags.Names()).
		Info("starting kort server")

	ready.Store(true)
	korthttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			korthttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

// loadEnvFile loads the .env file named by KORT_ENV_FILE, or ./.env when it
// exists. Variables already set in the environment take precedence.
func loadEnvFile() {
	filename := os.Getenv("KORT_ENV_FILE")
	if filename == "" {
		if _, err := os.Stat(".env"); err != nil {
			return
		}
		filename = ".env"
	}

	if err := godotenv.Load(filename); err != nil {
		logs.Warn(errors.New("loading env file failed").
			WithTag("file_name", filename).
			Wrap(err))
	}
}

func logSummaries(ctx context.Context, w *world.World, tiles *tilecache.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			stats := w.Stats()
			logs.WithTag("version", w.Version()).
				WithTag("zoom", stats.Zoom).
				WithTag("entities", stats.Entities).
				WithTag("cells", stats.Cells).
				WithTag("cached_tiles", tiles.Len()).
				WithTag("cached_tile_bytes", tiles.Bytes()).
				Info("world summary")
		}
	}
}

func validateConfig(conf config) error {
	if conf.Addr == "" {
		return errors.New("listening address is empty")
	}

	if conf.UpdateQueueSize < 0 {
		return errors.New("update queue size must not be negative").
			WithTag("update_queue_size", conf.UpdateQueueSize)
	}

	if conf.FrameDuration <= 0 {
		return errors.New("frame duration must be greater than 0").
			WithTag("frame_duration", conf.FrameDuration)
	}

	if conf.LogSummaryInterval <= 0 {
		return errors.New("log summary interval must be greater than 0").
			WithTag("log_summary_interval", conf.LogSummaryInterval)
	}

	if t := conf.TileURLTemplate; t != "" &&
		(!strings.Contains(t, "{z}") || !strings.Contains(t, "{x}") || !strings.Contains(t, "{y}")) {
		return errors.New("tile url template must contain {z}, {x} and {y}").
			WithTag("tile_url_template", t)
	}
	return nil
}
