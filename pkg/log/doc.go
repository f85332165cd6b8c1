/*
Package log provides structured logging for OctoLab using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ───────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐         │
	│  │            Global Logger                   │         │
	│  │  - Zerolog instance                        │         │
	│  │  - Initialized via log.Init()              │         │
	│  │  - Thread-safe for concurrent use          │         │
	│  └──────────────────┬────────────────────────┘         │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐         │
	│  │         Component Loggers                  │         │
	│  │  - WithComponent("provisioner")            │         │
	│  │  - WithLab("8d5c7e5e-...")                 │         │
	│  │  - WithOwner("user-42")                    │         │
	│  │  - WithRuntime("compose")                  │         │
	│  └──────────────────┬────────────────────────┘         │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐         │
	│  │            Log Output                      │         │
	│  │  JSON (production) or console (dev)        │         │
	│  └───────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	import "github.com/octolab/octolab/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("teardown worker started")
	log.Warn("claim expired, returning lab to pool")
	log.Error("failed to reach docker engine")

Structured logging:

	log.Logger.Info().
		Str("lab_id", lab.ID).
		Int("port", lab.Port).
		Msg("lab ready")

	log.Logger.Error().
		Err(err).
		Str("runtime", string(lab.Runtime)).
		Msg("teardown failed")

Component loggers:

	workerLog := log.WithComponent("teardown-worker")
	workerLog.Info().Str("lab_id", lab.ID).Msg("claimed lab")

# Security

Log content rules, enforced across the codebase:

  - Never log secrets: VNC passwords, lab tokens, webhook URLs with
    embedded credentials. Subprocess output is passed through
    security.RedactSecrets before it reaches a logger.
  - Never log absolute host paths; use security.RedactPath.
  - Owner IDs appear in logs for correlation but never in API responses
    for other tenants.
  - Use typed fields (.Str, .Int) for user-controlled data; structured
    logging prevents log injection.

# Integration Points

  - pkg/manager: lab lifecycle transitions
  - pkg/reconciler: teardown worker, watchdog, health observer
  - pkg/runtime: backend create/destroy, doctor results
  - pkg/evidence: finalization, retention, ingest decisions
  - pkg/api: request logging middleware

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() and include lab context

Don't:
  - Log sensitive data (tokens, passwords)
  - Use Debug level in production
  - Log in tight loops (the readiness prober logs once per outcome,
    not once per probe)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
