package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// Memory is an in-process implementation of all three stores, used
	// by tests and by embedders that manage durability themselves
	Memory struct {
		mu        sync.Mutex
		procs     map[api.ProcedureID]*api.Procedure
		rawMeta   map[api.ProcedureID]json.RawMessage
		messages  map[api.MessageID]*api.ChatMessage
		sessions  map[api.SessionID][]api.MessageID
		sequences map[api.SessionID]int64
		nodes     map[api.NodeID]*api.Node
		children  map[api.NodeID][]api.NodeID
		now       func() time.Time
	}

	memoryProcedures struct{ *Memory }
	memoryMessages   struct{ *Memory }
	memoryNodes      struct{ *Memory }
)

var (
	_ ProcedureStore = memoryProcedures{}
	_ MessageStore   = memoryMessages{}
	_ NodeStore      = memoryNodes{}
)

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{
		procs:     map[api.ProcedureID]*api.Procedure{},
		rawMeta:   map[api.ProcedureID]json.RawMessage{},
		messages:  map[api.MessageID]*api.ChatMessage{},
		sessions:  map[api.SessionID][]api.MessageID{},
		sequences: map[api.SessionID]int64{},
		nodes:     map[api.NodeID]*api.Node{},
		children:  map[api.NodeID][]api.NodeID{},
		now:       time.Now,
	}
}

// Stores returns the memory store bound to all three persistence seams
func (m *Memory) Stores() *Stores {
	return &Stores{
		Procedures: memoryProcedures{m},
		Messages:   memoryMessages{m},
		Nodes:      memoryNodes{m},
	}
}

// CreateProcedure seeds a procedure row, typically from a test or a
// dispatcher preparing a run
func (m *Memory) CreateProcedure(id api.ProcedureID) *api.Procedure {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &api.Procedure{
		ID:       id,
		Status:   api.ProcedureRunning,
		Metadata: api.NewMetadata(),
	}
	m.procs[id] = p
	return p
}

// SeedRawMetadata installs an arbitrary metadata payload, readable or
// not, for corruption-handling tests
func (m *Memory) SeedRawMetadata(id api.ProcedureID, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawMeta[id] = raw
}

func (s memoryProcedures) Get(
	_ context.Context, id api.ProcedureID,
) (*api.Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}
	res := *p
	return &res, nil
}

func (s memoryProcedures) Metadata(
	_ context.Context, id api.ProcedureID,
) (*api.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}

	if raw, ok := s.rawMeta[id]; ok {
		var meta api.Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorruptMetadata, id)
		}
		return meta.Normalize(), nil
	}

	if p.Metadata == nil {
		return api.NewMetadata(), nil
	}
	return p.Metadata.Clone(), nil
}

func (s memoryProcedures) UpdateMetadata(
	_ context.Context, id api.ProcedureID, meta *api.Metadata,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}
	delete(s.rawMeta, id)
	p.Metadata = meta.Clone()
	return nil
}

func (s memoryProcedures) SetStatus(
	_ context.Context, id api.ProcedureID, status api.ProcedureStatus,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}
	p.Status = status
	return nil
}

func (s memoryProcedures) SetWaitingMessage(
	_ context.Context, id api.ProcedureID, msg api.MessageID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}
	p.WaitingOnMessageID = msg
	return nil
}

func (s memoryMessages) Create(
	_ context.Context, msg *api.ChatMessage,
) (api.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	stored.ID = api.MessageID(uuid.NewString())
	s.sequences[msg.SessionID]++
	stored.Sequence = s.sequences[msg.SessionID]
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Metadata = maps.Clone(msg.Metadata)

	s.messages[stored.ID] = &stored
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], stored.ID)
	return stored.ID, nil
}

func (s memoryMessages) Get(
	_ context.Context, id api.MessageID,
) (*api.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	res := *msg
	return &res, nil
}

func (s memoryMessages) List(
	_ context.Context, sid api.SessionID,
) ([]*api.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sessions[sid]
	res := make([]*api.ChatMessage, 0, len(ids))
	for _, id := range ids {
		msg := *s.messages[id]
		res = append(res, &msg)
	}
	return res, nil
}

func (s memoryMessages) ResponseFor(
	_ context.Context, sid api.SessionID, pending api.MessageID,
) (*api.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.sessions[sid] {
		msg := s.messages[id]
		if msg.Tag != api.TagResponse || msg.Metadata == nil {
			continue
		}
		if ref, ok := msg.Metadata[api.MetaRespondsTo].(string); ok &&
			api.MessageID(ref) == pending {
			res := *msg
			return &res, nil
		}
	}
	return nil, ErrNoResponse
}

func (s memoryMessages) Retag(
	_ context.Context, id api.MessageID, tag api.MessageTag,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	msg.Tag = tag
	return nil
}

func (s memoryNodes) Create(
	_ context.Context, node *api.Node,
) (api.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.ParentID != "" {
		if _, ok := s.nodes[node.ParentID]; !ok {
			return "", fmt.Errorf("%w: parent %s",
				ErrNodeNotFound, node.ParentID)
		}
	}

	stored := *node
	stored.ID = api.NodeID(uuid.NewString())
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Metadata = maps.Clone(node.Metadata)
	if stored.Metadata == nil {
		stored.Metadata = map[string]any{}
	}

	s.nodes[stored.ID] = &stored
	if node.ParentID != "" {
		s.children[node.ParentID] = append(
			s.children[node.ParentID], stored.ID,
		)
	}
	return stored.ID, nil
}

func (s memoryNodes) Get(
	_ context.Context, id api.NodeID,
) (*api.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	res := *node
	res.Metadata = maps.Clone(node.Metadata)
	return &res, nil
}

func (s memoryNodes) Children(
	_ context.Context, id api.NodeID,
) ([]*api.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	ids := s.children[id]
	res := make([]*api.Node, 0, len(ids))
	for _, cid := range ids {
		node := *s.nodes[cid]
		res = append(res, &node)
	}
	return res, nil
}

func (s memoryNodes) MergeMetadata(
	_ context.Context, id api.NodeID, meta map[string]any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if node.Metadata == nil {
		node.Metadata = map[string]any{}
	}
	maps.Copy(node.Metadata, meta)
	return nil
}
