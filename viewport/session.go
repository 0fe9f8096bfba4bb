package viewport

import (
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kort/filter"
	"github.com/aukilabs/kort/models"
)

// Session holds the viewport state of a single map client. A zoom change
// moves the maintained grid layer to the new zoom while pans at a constant
// zoom reuse it.
type Session struct {
	engine *Engine

	mutex       sync.Mutex
	viewport    Viewport
	hasViewport bool
	filters     filter.Spec
}

func (e *Engine) NewSession() *Session {
	return &Session{engine: e}
}

// SetViewport validates and sets the session viewport.
func (s *Session) SetViewport(vp Viewport) error {
	if err := vp.Validate(); err != nil {
		return errors.New("invalid viewport").
			WithType(models.ErrTypeValidation).
			Wrap(err)
	}

	s.mutex.Lock()
	zoomChanged := !s.hasViewport || s.viewport.Zoom != vp.Zoom
	s.viewport = vp
	s.hasViewport = true
	s.mutex.Unlock()

	if zoomChanged {
		s.engine.world.SetZoom(vp.Zoom)
		instrumentZoomTransition()
	}
	return nil
}

// Viewport returns the session viewport.
func (s *Session) Viewport() (Viewport, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.viewport, s.hasViewport
}

func (s *Session) SetFilters(f filter.Spec) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.filters = f
}

func (s *Session) Filters() filter.Spec {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.filters
}

// Query runs a query with the session viewport and filters.
func (s *Session) Query() (Result, error) {
	s.mutex.Lock()
	vp, ok, filters := s.viewport, s.hasViewport, s.filters
	s.mutex.Unlock()

	if !ok {
		return Result{}, errors.New("session has no viewport").
			WithType(models.ErrTypeValidation)
	}
	return s.engine.Query(vp, filters)
}
