package runtime

import (
	"context"
	"time"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// ToolRunner executes one tool call on behalf of an agent turn. It
	// is supplied by the embedder; the engine only records outcomes.
	ToolRunner interface {
		Run(ctx context.Context, name string, args map[string]any) (
			any, error,
		)
	}

	// ToolLedger is the append-only record of executed tool calls with
	// a last-call-by-name index
	ToolLedger struct {
		calls  []*api.ToolCallRecord
		byName map[string]*api.ToolCallRecord
		counts map[string]int
		now    func() time.Time
	}
)

// NewToolLedger creates an empty tool ledger
func NewToolLedger(now func() time.Time) *ToolLedger {
	if now == nil {
		now = time.Now
	}
	return &ToolLedger{
		byName: map[string]*api.ToolCallRecord{},
		counts: map[string]int{},
		now:    now,
	}
}

// RecordCall appends a call record and updates the last-call index
func (t *ToolLedger) RecordCall(
	name string, args map[string]any, result any,
) {
	record := &api.ToolCallRecord{
		Name:     name,
		Args:     args,
		Result:   result,
		CalledAt: t.now(),
	}
	t.calls = append(t.calls, record)
	t.byName[name] = record
	t.counts[name]++
}

// Called reports whether the named tool has been called at least once
func (t *ToolLedger) Called(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// LastResult returns the result of the most recent call to the named
// tool, or nil
func (t *ToolLedger) LastResult(name string) any {
	if record, ok := t.byName[name]; ok {
		return record.Result
	}
	return nil
}

// LastCall returns the most recent call record for the named tool
func (t *ToolLedger) LastCall(name string) *api.ToolCallRecord {
	return t.byName[name]
}

// CallCount returns the number of calls to the named tool, or the total
// across all tools when name is empty
func (t *ToolLedger) CallCount(name string) int {
	if name == "" {
		return len(t.calls)
	}
	return t.counts[name]
}

// Names returns each tool name that has been called, in first-call order
func (t *ToolLedger) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, record := range t.calls {
		if !seen[record.Name] {
			seen[record.Name] = true
			names = append(names, record.Name)
		}
	}
	return names
}
