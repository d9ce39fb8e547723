package runtime

import (
	"context"
	"log/slog"
	"maps"

	"github.com/fernwood/operon/pkg/log"
)

// State is the key-value primitive over the procedure's persisted state
// section. Mutations write through to the metadata blob so state
// survives suspension.
type State struct {
	xctx *ExecutionContext
}

// NewState creates the state primitive bound to an execution context
func NewState(xctx *ExecutionContext) *State {
	return &State{xctx: xctx}
}

// Get returns the stored value, or def when the key is absent
func (s *State) Get(key string, def any) any {
	if v, ok := s.xctx.StateMap()[key]; ok {
		return v
	}
	return def
}

// Set stores a value under the key
func (s *State) Set(ctx context.Context, key string, value any) error {
	s.xctx.StateMap()[key] = value
	return s.sync(ctx)
}

// Increment adds amount to a numeric value. A non-numeric existing
// value is coerced to 0 before adding, with a warning.
func (s *State) Increment(
	ctx context.Context, key string, amount float64,
) (float64, error) {
	current, ok := toNumber(s.xctx.StateMap()[key])
	if !ok {
		if _, exists := s.xctx.StateMap()[key]; exists {
			slog.Warn("Incrementing non-numeric state value, coercing to 0",
				log.ProcID(s.xctx.procID),
				slog.String("key", key))
		}
		current = 0
	}

	next := current + amount
	s.xctx.StateMap()[key] = next
	return next, s.sync(ctx)
}

// Append adds a value to a list. An absent key creates a new list; a
// scalar existing value is coerced into a one-element list first.
func (s *State) Append(ctx context.Context, key string, value any) error {
	var list []any
	switch existing := s.xctx.StateMap()[key].(type) {
	case nil:
	case []any:
		list = existing
	default:
		list = []any{existing}
	}

	s.xctx.StateMap()[key] = append(list, value)
	return s.sync(ctx)
}

// All returns a defensive copy of the full state map
func (s *State) All() map[string]any {
	return maps.Clone(s.xctx.StateMap())
}

// Clear removes every stored key
func (s *State) Clear(ctx context.Context) error {
	m := s.xctx.StateMap()
	for key := range m {
		delete(m, key)
	}
	return s.sync(ctx)
}

func (s *State) sync(ctx context.Context) error {
	if err := s.xctx.SyncState(ctx); err != nil {
		slog.Error("Failed to persist state",
			log.ProcID(s.xctx.procID), log.Error(err))
		return err
	}
	return nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
