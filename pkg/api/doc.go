// Package api defines the shared domain types of the procedure engine:
// procedures and their checkpoint ledger, human-in-the-loop requests,
// spawned tasks, chat messages, tool records, tree nodes, and output
// schemas.
package api
