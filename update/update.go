package update

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kort/grid"
	"github.com/aukilabs/kort/models"
	"github.com/aukilabs/kort/world"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// Delta is a change of a single entity.
//
// A delta for an unknown id registers a new entity and requires a position.
// A delta for a known id updates the fields that are set. Attributes are
// merged into the existing ones, a null attribute value deletes it.
type Delta struct {
	ID         string            `json:"id"`
	Remove     bool              `json:"remove,omitempty"`
	Position   *models.Position  `json:"position,omitempty"`
	Kind       models.Kind       `json:"kind,omitempty"`
	Status     *models.Status    `json:"status,omitempty"`
	Attributes models.Attributes `json:"attributes,omitempty"`
}

// Batch is a set of deltas applied atomically.
type Batch struct {
	ID     string  `json:"id,omitempty"`
	Deltas []Delta `json:"deltas"`
}

// ItemError is an error related to a single delta.
type ItemError struct {
	ID  string
	Err error
}

func (e ItemError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      string `json:"id"`
		Type    string `json:"type,omitempty"`
		Message string `json:"message"`
	}{
		ID:      e.ID,
		Type:    errors.Type(e.Err),
		Message: e.Err.Error(),
	})
}

// Result reports how a batch was applied.
type Result struct {
	BatchID  string `json:"batch_id"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Removed  int    `json:"removed"`

	// The rejected deltas.
	Errors []ItemError `json:"errors,omitempty"`

	// The deltas that were no-ops because they referenced an unknown id.
	Warnings []ItemError `json:"warnings,omitempty"`
}

// Applied returns the number of applied deltas.
func (r Result) Applied() int {
	return r.Inserted + r.Updated + r.Removed
}

// Engine applies delta batches to a world.
type Engine struct {
	World *world.World

	// Returns the time set as entity update time. time.Now is used when nil.
	Now func() time.Time
}

// Apply applies a batch under the world write lock so readers never observe
// a partially applied batch. Removals are applied first, then updates of
// known entities, then registrations of new ones: removing and registering
// the same id in a batch replaces the entity. A rejected delta never aborts
// the batch.
func (e *Engine) Apply(b Batch) Result {
	start := time.Now()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	updatedAt := now()

	res := Result{BatchID: b.ID}

	e.World.Write(func(s *models.EntityStore, idx *grid.Index) {
		remaining := make([]Delta, 0, len(b.Deltas))
		for _, d := range b.Deltas {
			if d.ID == "" {
				res.reject(d, errors.New("delta id is empty").WithType(models.ErrTypeValidation))
				continue
			}

			if !d.Remove {
				remaining = append(remaining, d)
				continue
			}

			if s.Remove(d.ID) {
				idx.Remove(d.ID)
				res.Removed++
				instrumentDelta(outcomeRemoved)
				continue
			}
			res.warn(d, errors.New("removing an unknown entity").
				WithType(models.ErrTypeNotFound).
				WithTag("entity_id", d.ID))
		}

		inserts := make([]Delta, 0, len(remaining))
		for _, d := range remaining {
			current, ok := s.EntityByID(d.ID)
			if !ok {
				inserts = append(inserts, d)
				continue
			}
			res.update(s, idx, current, d, updatedAt)
		}

		for _, d := range inserts {
			if current, ok := s.EntityByID(d.ID); ok {
				res.update(s, idx, current, d, updatedAt)
				continue
			}
			res.insert(s, idx, d, updatedAt)
		}
	})

	instrumentBatch(start)
	logs.WithTag("batch_id", res.BatchID).
		WithTag("inserted", res.Inserted).
		WithTag("updated", res.Updated).
		WithTag("removed", res.Removed).
		WithTag("errors", len(res.Errors)).
		WithTag("warnings", len(res.Warnings)).
		Debug("batch applied")
	return res
}

// Run applies the batches received on the given channel until the channel is
// closed or the context canceled. results is called, when not nil, with the
// result of each batch.
func (e *Engine) Run(ctx context.Context, batches <-chan Batch, results func(Result)) {
	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-batches:
			if !ok {
				return
			}

			res := e.Apply(b)
			if results != nil {
				results(res)
			}
		}
	}
}

func (r *Result) insert(s *models.EntityStore, idx *grid.Index, d Delta, updatedAt time.Time) {
	if d.Position == nil {
		if d.Kind == "" {
			r.warn(d, errors.New("updating an unknown entity").
				WithType(models.ErrTypeNotFound).
				WithTag("entity_id", d.ID))
			return
		}

		r.reject(d, errors.New("registering an entity requires a position").
			WithType(models.ErrTypeValidation).
			WithTag("entity_id", d.ID))
		return
	}

	e := models.Entity{
		ID:         d.ID,
		Position:   *d.Position,
		Kind:       d.Kind,
		Attributes: mergeAttributes(nil, d.Attributes),
		UpdatedAt:  updatedAt,
	}
	if d.Status != nil {
		e.Status = *d.Status
	}

	if err := s.Add(e); err != nil {
		r.reject(d, err)
		return
	}

	if err := idx.Insert(e.ID, e.Position); err != nil {
		s.Remove(e.ID)
		r.reject(d, err)
		return
	}

	r.Inserted++
	instrumentDelta(outcomeInserted)
}

func (r *Result) update(s *models.EntityStore, idx *grid.Index, e models.Entity, d Delta, updatedAt time.Time) {
	if d.Position != nil {
		if err := idx.Move(e.ID, *d.Position); err != nil {
			r.reject(d, err)
			return
		}
		e.Position = *d.Position
	}

	if d.Kind != "" {
		e.Kind = d.Kind
	}
	if d.Status != nil {
		e.Status = *d.Status
	}
	if len(d.Attributes) != 0 {
		e.Attributes = mergeAttributes(e.Attributes, d.Attributes)
	}
	e.UpdatedAt = updatedAt

	if err := s.Set(e); err != nil {
		r.reject(d, err)
		return
	}

	r.Updated++
	instrumentDelta(outcomeUpdated)
}

func (r *Result) reject(d Delta, err error) {
	r.Errors = append(r.Errors, ItemError{ID: d.ID, Err: err})
	instrumentDelta(outcomeRejected)

	logs.WithTag("batch_id", r.BatchID).
		WithTag("entity_id", d.ID).
		Warn(errors.New("delta rejected").Wrap(err))
}

func (r *Result) warn(d Delta, err error) {
	r.Warnings = append(r.Warnings, ItemError{ID: d.ID, Err: err})
	instrumentDelta(outcomeIgnored)
}

// mergeAttributes returns a new map with the changes applied on top of the
// current attributes. A nil change value deletes the attribute.
func mergeAttributes(current, changes models.Attributes) models.Attributes {
	if len(current) == 0 && len(changes) == 0 {
		return nil
	}

	merged := make(models.Attributes, len(current)+len(changes))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range changes {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	if len(merged) == 0 {
		return nil
	}
	return merged
}
