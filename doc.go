// Package operon is the durable execution core for AI-agent procedures:
// a checkpointed, exit-and-resume execution context, a fixed set of
// capability primitives injected into an embedded Lua script, a
// sub-procedure orchestrator, and the runtime pipeline that wires them
// together for one procedure run.
package operon

const (
	// Name identifies the service in logs and archived run records
	Name = "operon"

	// Version is the engine release identifier
	Version = "0.3.0"
)
