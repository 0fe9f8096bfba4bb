package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// ShutdownTimeout is the time given to servers to complete in-flight requests
// once the context is canceled.
var ShutdownTimeout = time.Second * 10

// ListenAndServe starts the given servers and blocks until they are all
// stopped. Servers are gracefully shut down when the context is canceled.
func ListenAndServe(ctx context.Context, servers ...*http.Server) {
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logs.Warn(errors.New("shutting down the server failed").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}
	}()

	var wg sync.WaitGroup

	for _, s := range servers {
		wg.Add(1)

		go func(s *http.Server) {
			defer wg.Done()

			logs.WithTag("addr", s.Addr).Info("starting server")

			switch err := s.ListenAndServe(); err {
			case nil, http.ErrServerClosed, context.Canceled:
				logs.WithTag("addr", s.Addr).Info("stopping server")

			default:
				logs.Warn(errors.New("server stopped").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}(s)
	}

	wg.Wait()
}

// MetricsPathFormatter returns the route of a request path so that entity
// ids and tile coordinates do not end up in metric labels. Empty string is
// returned on HTTP 301, 400, 404 or 405 statusCode and for unknown paths.
func MetricsPathFormatter(statusCode int, path string) string {
	if statusCode == http.StatusMovedPermanently ||
		statusCode == http.StatusBadRequest ||
		statusCode == http.StatusNotFound ||
		statusCode == http.StatusMethodNotAllowed {
		return ""
	}

	switch {
	case strings.HasPrefix(path, "/entities/"):
		return "/entities/{id}"

	case path == "/tiles/invalidate":
		return path

	case strings.HasPrefix(path, "/tiles/"):
		return "/tiles/{z}/{x}/{y}"
	}

	for _, route := range routes {
		if path == route {
			return path
		}
	}
	return ""
}

var routes = []string{
	"/clusters",
	"/search",
	"/updates",
	"/feed",
	"/live",
	"/health",
	"/ready",
	"/version",
}
