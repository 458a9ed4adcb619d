/*
Package log provides structured logging for Nexus using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

Nexus logging is a thin layer over one global zerolog instance:

	┌──────────────────── LOGGING SYSTEM ─────────────────────┐
	│                                                          │
	│  ┌───────────────────────────────────────────┐          │
	│  │            Global Logger                   │          │
	│  │  - Zerolog instance                        │          │
	│  │  - Initialized via log.Init()              │          │
	│  │  - Thread-safe for concurrent use          │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │         Component Loggers                  │          │
	│  │  - WithComponent("hypervisor")             │          │
	│  │  - WithService("rest-api")                 │          │
	│  │  - WithTaskID("task-def456")               │          │
	│  │  - WithConnectorID("conn-9f2a")            │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │            Log Output                      │          │
	│  │                                            │          │
	│  │  JSON Format:                              │          │
	│  │  {                                         │          │
	│  │    "level": "info",                        │          │
	│  │    "component": "orchestrator",            │          │
	│  │    "task_id": "task-def456",               │          │
	│  │    "time": "2026-02-11T10:30:00Z",         │          │
	│  │    "message": "task dispatched"            │          │
	│  │  }                                         │          │
	│  │                                            │          │
	│  │  Console Format:                           │          │
	│  │  10:30AM INF task dispatched component=... │          │
	│  └───────────────────────────────────────────┘          │
	└─────────────────────────────────────────────────────────┘

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers carry a stable field through every line they emit:

	logger := log.WithComponent("registry")
	logger.Info().
		Str("service", "rest-api").
		Int("port", 8080).
		Msg("port allocated")

Per-entity loggers are for short-lived scopes:

	tl := log.WithTaskID(task.ID)
	tl.Warn().Int("retry", task.CurrentRetry).Msg("agent call failed, retrying")

# Log Levels

  - Debug: per-operation tracing (dequeue decisions, heartbeats)
  - Info: lifecycle transitions (service started, task completed)
  - Warn: recoverable conditions (retry scheduled, stale heartbeat)
  - Error: failed operations (connector unreachable, range exhausted)
  - Fatal: unrecoverable startup failures (process exits)

# Integration Points

Every long-lived component creates a child logger at construction:
hypervisor, orchestrator, registry, agent manager, API server, event
broker, and store. The HTTP layer additionally uses zerolog's hlog
middleware for per-request logging.
*/
package log
