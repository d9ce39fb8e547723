package helpers

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
)

type (
	// TestEnv holds the components a runtime test needs: an in-memory
	// store, a controllable clock, and scripted model/tool doubles
	TestEnv struct {
		Memory *store.Memory
		Stores *store.Stores
		Config *config.Config
		Model  *ScriptedModel
		Tools  *RecordingRunner
		Clock  *FakeClock

		ProcID    api.ProcedureID
		SessionID api.SessionID
	}

	// FakeClock is a manually advanced time source
	FakeClock struct {
		mu  sync.Mutex
		now time.Time
	}
)

// NewTestConfig creates a default configuration with debug logging
func NewTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LogLevel = "debug"
	return cfg
}

// NewTestEnv creates a test environment with one seeded procedure row
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	mem := store.NewMemory()
	procID := api.ProcedureID(uuid.NewString())
	mem.CreateProcedure(procID)

	return &TestEnv{
		Memory:    mem,
		Stores:    mem.Stores(),
		Config:    NewTestConfig(),
		Model:     NewScriptedModel(),
		Tools:     NewRecordingRunner(),
		Clock:     NewFakeClock(),
		ProcID:    procID,
		SessionID: api.SessionID(uuid.NewString()),
	}
}

// Respond seeds a RESPONSE message answering the given pending message
func (e *TestEnv) Respond(
	t *testing.T, pending api.MessageID, value any,
) api.MessageID {
	t.Helper()

	id, err := e.Stores.Messages.Create(t.Context(), &api.ChatMessage{
		SessionID: e.SessionID,
		Role:      api.RoleUser,
		Tag:       api.TagResponse,
		Metadata: map[string]any{
			api.MetaRespondsTo: string(pending),
			"value":            value,
		},
		CreatedAt: e.Clock.Now(),
	})
	if err != nil {
		t.Fatalf("seeding response: %v", err)
	}
	return id
}

// Procedure reads the seeded procedure row
func (e *TestEnv) Procedure(t *testing.T) *api.Procedure {
	t.Helper()
	p, err := e.Stores.Procedures.Get(t.Context(), e.ProcID)
	if err != nil {
		t.Fatalf("reading procedure: %v", err)
	}
	return p
}

// NewFakeClock creates a clock pinned to a fixed instant
func NewFakeClock() *FakeClock {
	return &FakeClock{
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
