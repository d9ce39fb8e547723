package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fernwood/operon/internal/client"
	"github.com/fernwood/operon/pkg/api"
)

type (
	// GraphQL implements the three stores against the persistence
	// service's query/mutate contract
	GraphQL struct {
		client client.Client
	}

	graphqlProcedures struct{ *GraphQL }
	graphqlMessages   struct{ *GraphQL }
	graphqlNodes      struct{ *GraphQL }
)

var (
	_ ProcedureStore = graphqlProcedures{}
	_ MessageStore   = graphqlMessages{}
	_ NodeStore      = graphqlNodes{}
)

const (
	queryProcedure = `query($id: ID!) {
		procedure(id: $id) { id status metadata waitingOnMessageId }
	}`

	mutateMetadata = `mutation($id: ID!, $metadata: JSON!) {
		updateProcedureMetadata(id: $id, metadata: $metadata) { id }
	}`

	mutateStatus = `mutation($id: ID!, $status: ProcedureStatus!) {
		setProcedureStatus(id: $id, status: $status) { id }
	}`

	mutateWaiting = `mutation($id: ID!, $messageId: ID) {
		setProcedureWaitingMessage(id: $id, messageId: $messageId) { id }
	}`

	mutateCreateMessage = `mutation($input: ChatMessageInput!) {
		createChatMessage(input: $input) { id sequence }
	}`

	queryMessage = `query($id: ID!) {
		chatMessage(id: $id) {
			id sessionId sequence role content tag metadata createdAt
		}
	}`

	queryMessages = `query($sessionId: ID!) {
		chatMessages(sessionId: $sessionId) {
			id sessionId sequence role content tag metadata createdAt
		}
	}`

	mutateRetag = `mutation($id: ID!, $tag: MessageTag!) {
		setChatMessageTag(id: $id, tag: $tag) { id }
	}`

	mutateCreateNode = `mutation($input: NodeInput!) {
		createNode(input: $input) { id }
	}`

	queryNode = `query($id: ID!) {
		node(id: $id) { id parentId content metadata createdAt }
	}`

	queryChildren = `query($id: ID!) {
		nodeChildren(id: $id) { id parentId content metadata createdAt }
	}`

	mutateMergeNode = `mutation($id: ID!, $metadata: JSON!) {
		mergeNodeMetadata(id: $id, metadata: $metadata) { id }
	}`
)

// NewGraphQL creates a store backed by the persistence service
func NewGraphQL(c client.Client) *GraphQL {
	return &GraphQL{client: c}
}

// Stores returns the GraphQL store bound to all three persistence seams
func (g *GraphQL) Stores() *Stores {
	return &Stores{
		Procedures: graphqlProcedures{g},
		Messages:   graphqlMessages{g},
		Nodes:      graphqlNodes{g},
	}
}

func (s graphqlProcedures) Get(
	ctx context.Context, id api.ProcedureID,
) (*api.Procedure, error) {
	data, err := s.client.Query(ctx, queryProcedure, map[string]any{
		"id": string(id),
	})
	if err != nil {
		return nil, err
	}

	row := gjson.GetBytes(data, "procedure")
	if !row.Exists() || row.Type == gjson.Null {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}

	return &api.Procedure{
		ID:     api.ProcedureID(row.Get("id").String()),
		Status: api.ProcedureStatus(row.Get("status").String()),
		WaitingOnMessageID: api.MessageID(
			row.Get("waitingOnMessageId").String(),
		),
	}, nil
}

func (s graphqlProcedures) Metadata(
	ctx context.Context, id api.ProcedureID,
) (*api.Metadata, error) {
	data, err := s.client.Query(ctx, queryProcedure, map[string]any{
		"id": string(id),
	})
	if err != nil {
		return nil, err
	}

	row := gjson.GetBytes(data, "procedure")
	if !row.Exists() || row.Type == gjson.Null {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}

	meta := row.Get("metadata")
	if !meta.Exists() || meta.Type == gjson.Null {
		return api.NewMetadata(), nil
	}

	var res api.Metadata
	if err := json.Unmarshal([]byte(meta.Raw), &res); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptMetadata, id)
	}
	return res.Normalize(), nil
}

func (s graphqlProcedures) UpdateMetadata(
	ctx context.Context, id api.ProcedureID, meta *api.Metadata,
) error {
	_, err := s.client.Mutate(ctx, mutateMetadata, map[string]any{
		"id":       string(id),
		"metadata": meta,
	})
	return err
}

func (s graphqlProcedures) SetStatus(
	ctx context.Context, id api.ProcedureID, status api.ProcedureStatus,
) error {
	_, err := s.client.Mutate(ctx, mutateStatus, map[string]any{
		"id":     string(id),
		"status": string(status),
	})
	return err
}

func (s graphqlProcedures) SetWaitingMessage(
	ctx context.Context, id api.ProcedureID, msg api.MessageID,
) error {
	var msgVar any
	if msg != "" {
		msgVar = string(msg)
	}
	_, err := s.client.Mutate(ctx, mutateWaiting, map[string]any{
		"id":        string(id),
		"messageId": msgVar,
	})
	return err
}

func (s graphqlMessages) Create(
	ctx context.Context, msg *api.ChatMessage,
) (api.MessageID, error) {
	data, err := s.client.Mutate(ctx, mutateCreateMessage, map[string]any{
		"input": map[string]any{
			"sessionId": string(msg.SessionID),
			"role":      string(msg.Role),
			"content":   msg.Content,
			"tag":       string(msg.Tag),
			"metadata":  msg.Metadata,
		},
	})
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "createChatMessage.id").String()
	return api.MessageID(id), nil
}

func (s graphqlMessages) Get(
	ctx context.Context, id api.MessageID,
) (*api.ChatMessage, error) {
	data, err := s.client.Query(ctx, queryMessage, map[string]any{
		"id": string(id),
	})
	if err != nil {
		return nil, err
	}

	row := gjson.GetBytes(data, "chatMessage")
	if !row.Exists() || row.Type == gjson.Null {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return decodeMessage(row), nil
}

func (s graphqlMessages) List(
	ctx context.Context, sid api.SessionID,
) ([]*api.ChatMessage, error) {
	data, err := s.client.Query(ctx, queryMessages, map[string]any{
		"sessionId": string(sid),
	})
	if err != nil {
		return nil, err
	}

	rows := gjson.GetBytes(data, "chatMessages")
	var res []*api.ChatMessage
	for _, row := range rows.Array() {
		res = append(res, decodeMessage(row))
	}
	return res, nil
}

func (s graphqlMessages) ResponseFor(
	ctx context.Context, sid api.SessionID, pending api.MessageID,
) (*api.ChatMessage, error) {
	msgs, err := s.List(ctx, sid)
	if err != nil {
		return nil, err
	}

	for _, msg := range msgs {
		if msg.Tag != api.TagResponse || msg.Metadata == nil {
			continue
		}
		if ref, ok := msg.Metadata[api.MetaRespondsTo].(string); ok &&
			api.MessageID(ref) == pending {
			return msg, nil
		}
	}
	return nil, ErrNoResponse
}

func (s graphqlMessages) Retag(
	ctx context.Context, id api.MessageID, tag api.MessageTag,
) error {
	_, err := s.client.Mutate(ctx, mutateRetag, map[string]any{
		"id":  string(id),
		"tag": string(tag),
	})
	return err
}

func (s graphqlNodes) Create(
	ctx context.Context, node *api.Node,
) (api.NodeID, error) {
	input := map[string]any{
		"content":  node.Content,
		"metadata": node.Metadata,
	}
	if node.ParentID != "" {
		input["parentId"] = string(node.ParentID)
	}

	data, err := s.client.Mutate(ctx, mutateCreateNode, map[string]any{
		"input": input,
	})
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "createNode.id").String()
	return api.NodeID(id), nil
}

func (s graphqlNodes) Get(
	ctx context.Context, id api.NodeID,
) (*api.Node, error) {
	data, err := s.client.Query(ctx, queryNode, map[string]any{
		"id": string(id),
	})
	if err != nil {
		return nil, err
	}

	row := gjson.GetBytes(data, "node")
	if !row.Exists() || row.Type == gjson.Null {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return decodeNode(row), nil
}

func (s graphqlNodes) Children(
	ctx context.Context, id api.NodeID,
) ([]*api.Node, error) {
	data, err := s.client.Query(ctx, queryChildren, map[string]any{
		"id": string(id),
	})
	if err != nil {
		return nil, err
	}

	rows := gjson.GetBytes(data, "nodeChildren")
	var res []*api.Node
	for _, row := range rows.Array() {
		res = append(res, decodeNode(row))
	}
	return res, nil
}

func (s graphqlNodes) MergeMetadata(
	ctx context.Context, id api.NodeID, meta map[string]any,
) error {
	_, err := s.client.Mutate(ctx, mutateMergeNode, map[string]any{
		"id":       string(id),
		"metadata": meta,
	})
	return err
}

func decodeMessage(row gjson.Result) *api.ChatMessage {
	msg := &api.ChatMessage{
		ID:        api.MessageID(row.Get("id").String()),
		SessionID: api.SessionID(row.Get("sessionId").String()),
		Sequence:  row.Get("sequence").Int(),
		Role:      api.Role(row.Get("role").String()),
		Content:   row.Get("content").String(),
		Tag:       api.MessageTag(row.Get("tag").String()),
	}
	if meta := row.Get("metadata"); meta.Exists() && meta.IsObject() {
		msg.Metadata, _ = meta.Value().(map[string]any)
	}
	if ts := row.Get("createdAt").String(); ts != "" {
		msg.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return msg
}

func decodeNode(row gjson.Result) *api.Node {
	node := &api.Node{
		ID:       api.NodeID(row.Get("id").String()),
		ParentID: api.NodeID(row.Get("parentId").String()),
		Content:  row.Get("content").String(),
	}
	if meta := row.Get("metadata"); meta.Exists() && meta.IsObject() {
		node.Metadata, _ = meta.Value().(map[string]any)
	}
	if ts := row.Get("createdAt").String(); ts != "" {
		node.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return node
}
