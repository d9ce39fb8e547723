// Package store provides the engine's persistence seams: procedures and
// their metadata blob, session-scoped chat messages, and tree nodes.
// Three backends exist: the GraphQL persistence service, Redis for
// local/self-hosted mode, and an in-process map store for tests and
// embedders.
package store

import (
	"context"
	"errors"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// ProcedureStore reads and mutates procedure rows. UpdateMetadata is
	// an unconditional full-document overwrite with no concurrency
	// token; concurrent writers to one procedure are unsupported.
	ProcedureStore interface {
		Get(ctx context.Context, id api.ProcedureID) (*api.Procedure, error)

		// Metadata returns the persisted execution blob. A blob that
		// cannot be decoded reports ErrCorruptMetadata.
		Metadata(ctx context.Context, id api.ProcedureID) (
			*api.Metadata, error,
		)

		UpdateMetadata(
			ctx context.Context, id api.ProcedureID, meta *api.Metadata,
		) error

		SetStatus(
			ctx context.Context, id api.ProcedureID, s api.ProcedureStatus,
		) error

		// SetWaitingMessage updates the pending-message pointer; an
		// empty ID clears it
		SetWaitingMessage(
			ctx context.Context, id api.ProcedureID, msg api.MessageID,
		) error
	}

	// MessageStore persists chat messages keyed by session and sequence
	MessageStore interface {
		// Create assigns the message an ID and the next sequence in its
		// session, persists it, and returns the assigned ID
		Create(ctx context.Context, msg *api.ChatMessage) (
			api.MessageID, error,
		)

		Get(ctx context.Context, id api.MessageID) (*api.ChatMessage, error)

		List(ctx context.Context, sid api.SessionID) (
			[]*api.ChatMessage, error,
		)

		// ResponseFor finds the RESPONSE-tagged message answering the
		// given pending message, or ErrNoResponse
		ResponseFor(
			ctx context.Context, sid api.SessionID, pending api.MessageID,
		) (*api.ChatMessage, error)

		Retag(ctx context.Context, id api.MessageID, tag api.MessageTag) error
	}

	// NodeStore persists tree nodes
	NodeStore interface {
		// Create assigns the node an ID, persists it, and returns the ID
		Create(ctx context.Context, node *api.Node) (api.NodeID, error)

		Get(ctx context.Context, id api.NodeID) (*api.Node, error)

		Children(ctx context.Context, id api.NodeID) ([]*api.Node, error)

		// MergeMetadata merges keys into the node's metadata without
		// discarding existing entries
		MergeMetadata(
			ctx context.Context, id api.NodeID, meta map[string]any,
		) error
	}

	// Stores bundles the three persistence seams one run needs
	Stores struct {
		Procedures ProcedureStore
		Messages   MessageStore
		Nodes      NodeStore
	}
)

var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrNoResponse        = errors.New("no response for pending message")
	ErrCorruptMetadata   = errors.New("procedure metadata not readable")
)
