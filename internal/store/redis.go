package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// Redis implements the three stores over a Redis instance for
	// local/self-hosted deployments
	Redis struct {
		client *redis.Client
		prefix string
		now    func() time.Time
	}

	redisProcedures struct{ *Redis }
	redisMessages   struct{ *Redis }
	redisNodes      struct{ *Redis }

	// RedisConfig holds connection settings for the Redis backend
	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}
)

var (
	_ ProcedureStore = redisProcedures{}
	_ MessageStore   = redisMessages{}
	_ NodeStore      = redisNodes{}
)

// NewRedis creates a Redis-backed store
func NewRedis(cfg *RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{
		client: client,
		prefix: cfg.Prefix,
		now:    time.Now,
	}
}

// Stores returns the Redis store bound to all three persistence seams
func (r *Redis) Stores() *Stores {
	return &Stores{
		Procedures: redisProcedures{r},
		Messages:   redisMessages{r},
		Nodes:      redisNodes{r},
	}
}

// Close releases the underlying Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// CreateProcedure seeds a procedure row for a run about to dispatch
func (r *Redis) CreateProcedure(
	ctx context.Context, id api.ProcedureID,
) (*api.Procedure, error) {
	p := &api.Procedure{
		ID:       id,
		Status:   api.ProcedureRunning,
		Metadata: api.NewMetadata(),
	}
	if err := r.putProcedure(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Redis) procKey(id api.ProcedureID) string {
	return fmt.Sprintf("%s:proc:%s", r.prefix, id)
}

func (r *Redis) msgKey(id api.MessageID) string {
	return fmt.Sprintf("%s:msg:%s", r.prefix, id)
}

func (r *Redis) sessionKey(sid api.SessionID) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, sid)
}

func (r *Redis) seqKey(sid api.SessionID) string {
	return fmt.Sprintf("%s:seq:%s", r.prefix, sid)
}

func (r *Redis) nodeKey(id api.NodeID) string {
	return fmt.Sprintf("%s:node:%s", r.prefix, id)
}

func (r *Redis) childrenKey(id api.NodeID) string {
	return fmt.Sprintf("%s:children:%s", r.prefix, id)
}

func (r *Redis) getProcedure(
	ctx context.Context, id api.ProcedureID,
) (*api.Procedure, error) {
	raw, err := r.client.Get(ctx, r.procKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var p api.Procedure
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptMetadata, id)
	}
	return &p, nil
}

func (r *Redis) putProcedure(ctx context.Context, p *api.Procedure) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.procKey(p.ID), raw, 0).Err()
}

func (s redisProcedures) Get(
	ctx context.Context, id api.ProcedureID,
) (*api.Procedure, error) {
	return s.getProcedure(ctx, id)
}

func (s redisProcedures) Metadata(
	ctx context.Context, id api.ProcedureID,
) (*api.Metadata, error) {
	p, err := s.getProcedure(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Metadata == nil {
		return api.NewMetadata(), nil
	}
	return p.Metadata.Normalize(), nil
}

func (s redisProcedures) UpdateMetadata(
	ctx context.Context, id api.ProcedureID, meta *api.Metadata,
) error {
	p, err := s.getProcedure(ctx, id)
	if err != nil {
		return err
	}
	p.Metadata = meta
	return s.putProcedure(ctx, p)
}

func (s redisProcedures) SetStatus(
	ctx context.Context, id api.ProcedureID, status api.ProcedureStatus,
) error {
	p, err := s.getProcedure(ctx, id)
	if err != nil {
		return err
	}
	p.Status = status
	return s.putProcedure(ctx, p)
}

func (s redisProcedures) SetWaitingMessage(
	ctx context.Context, id api.ProcedureID, msg api.MessageID,
) error {
	p, err := s.getProcedure(ctx, id)
	if err != nil {
		return err
	}
	p.WaitingOnMessageID = msg
	return s.putProcedure(ctx, p)
}

func (s redisMessages) Create(
	ctx context.Context, msg *api.ChatMessage,
) (api.MessageID, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(msg.SessionID)).Result()
	if err != nil {
		return "", err
	}

	stored := *msg
	stored.ID = api.MessageID(uuid.NewString())
	stored.Sequence = seq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	raw, err := json.Marshal(&stored)
	if err != nil {
		return "", err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.msgKey(stored.ID), raw, 0)
	pipe.RPush(ctx, s.sessionKey(msg.SessionID), string(stored.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return stored.ID, nil
}

func (s redisMessages) Get(
	ctx context.Context, id api.MessageID,
) (*api.ChatMessage, error) {
	raw, err := s.client.Get(ctx, s.msgKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var msg api.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s redisMessages) List(
	ctx context.Context, sid api.SessionID,
) ([]*api.ChatMessage, error) {
	ids, err := s.client.LRange(ctx, s.sessionKey(sid), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*api.ChatMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := s.Get(ctx, api.MessageID(id))
		if err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, nil
}

func (s redisMessages) ResponseFor(
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

func (s redisMessages) Retag(
	ctx context.Context, id api.MessageID, tag api.MessageTag,
) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	msg.Tag = tag

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.msgKey(id), raw, 0).Err()
}

func (s redisNodes) Create(
	ctx context.Context, node *api.Node,
) (api.NodeID, error) {
	if node.ParentID != "" {
		if _, err := s.Get(ctx, node.ParentID); err != nil {
			return "", err
		}
	}

	stored := *node
	stored.ID = api.NodeID(uuid.NewString())
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.Metadata == nil {
		stored.Metadata = map[string]any{}
	}

	raw, err := json.Marshal(&stored)
	if err != nil {
		return "", err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.nodeKey(stored.ID), raw, 0)
	if node.ParentID != "" {
		pipe.RPush(ctx, s.childrenKey(node.ParentID), string(stored.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return stored.ID, nil
}

func (s redisNodes) Get(
	ctx context.Context, id api.NodeID,
) (*api.Node, error) {
	raw, err := s.client.Get(ctx, s.nodeKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var node api.Node
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s redisNodes) Children(
	ctx context.Context, id api.NodeID,
) ([]*api.Node, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	ids, err := s.client.LRange(ctx, s.childrenKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*api.Node, 0, len(ids))
	for _, cid := range ids {
		node, err := s.Get(ctx, api.NodeID(cid))
		if err != nil {
			return nil, err
		}
		res = append(res, node)
	}
	return res, nil
}

func (s redisNodes) MergeMetadata(
	ctx context.Context, id api.NodeID, meta map[string]any,
) error {
	node, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if node.Metadata == nil {
		node.Metadata = map[string]any{}
	}
	for k, v := range meta {
		node.Metadata[k] = v
	}

	raw, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.nodeKey(id), raw, 0).Err()
}
