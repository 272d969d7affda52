/*
Package log provides structured logging for Maelstrom using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Initialization

Call Init once at process startup, before any component logs:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false, // console format for interactive use
	})

JSON output is for log aggregation; console output is human-friendly and is
what the CLI flags default to on a terminal.

# Component Loggers

Each long-running component tags its logs with a component field:

	logger := log.WithComponent("scheduler")
	logger.Info().Msg("dispatch loop started")

Domain-specific child constructors add the identities that matter when
debugging a distributed run - which worker, which client, which job, which
artifact:

	log.WithWorkerID(workerID).Info().Msg("worker connected")
	log.WithJobID(uint64(jid)).Debug().Msg("job dispatched")
	log.WithDigest(d).Warn().Msg("artifact upload rejected")

# Helper Functions

For one-off messages without fields the package-level helpers keep call
sites short:

	log.Info("broker listening")
	log.Errorf("failed to open cache", err)

Components that log in hot paths should hold a child logger rather than
calling the package-level helpers, so the component tag is attached once.
*/
package log


