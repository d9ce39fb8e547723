// Package client speaks to the GraphQL-style persistence service the
// engine delegates all durable storage to. The engine only ever issues
// query and mutate requests against it.
package client

import (
	"context"
	"encoding/json"
)

// Client is the persistence collaborator contract: a request document
// plus variables in, the response data subtree out
type Client interface {
	Query(
		ctx context.Context, request string, vars map[string]any,
	) (json.RawMessage, error)

	Mutate(
		ctx context.Context, request string, vars map[string]any,
	) (json.RawMessage, error)
}
