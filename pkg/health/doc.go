/*
Package health provides endpoint probing for OctoLab lab sessions.

This package implements two check types (HTTP and TCP), a readiness prober
used during provisioning, and a status tracker with hysteresis used by the
lab observer to decide READY vs DEGRADED. A lab is only ever marked READY
because a probe actually answered; the prober never assumes success.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                      Lab Endpoint Probing                   │
	└─────┬───────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┐
	    ▼           ▼
	┌────────┐  ┌───────┐
	│  HTTP  │  │  TCP  │
	│Checker │  │Checker│
	└────────┘  └───────┘
	     │          │
	     ▼          ▼
	  GET path   Connect
	  on :port    :port

## Readiness Flow (provisioning)

 1. Runtime reports the lab's resources created
 2. Prober connects to host:port (TCP) until something listens
 3. Prober issues HTTP GETs against configured paths ("/", "/healthz")
 4. 2xx or 3xx from any path → lab is READY
 5. Startup deadline passes first → provisioning fails, lab rolls back

## Liveness Flow (post-READY)

 1. Observer runs the HTTP checker on an interval
 2. Failures accumulate in Status (hysteresis)
 3. Retries consecutive failures → lab transitions READY → DEGRADED
 4. A single success flips it back → DEGRADED → READY

# Check Types

## HTTP Checks

HTTP checks issue a request and compare the status code against a range:

	Configuration:
	├── URL: http://127.0.0.1:30123/
	├── Method: GET (default), HEAD, POST
	├── Headers: optional
	├── Expected Status: 200-399 (default)
	└── Timeout: 10 seconds (default)

Redirects are not followed. Lab gateways commonly answer the root path
with a 302 to their login screen; a redirect response proves the session
is serving and must not pull the checker into the authenticated UI.

## TCP Checks

TCP checks only verify that the published port accepts connections:

	Configuration:
	├── Address: 127.0.0.1:30123
	├── Timeout: 5 seconds (default)
	└── Connection test only (no data sent)

TCP runs first during readiness probing because it is cheap and separates
"nothing bound yet" from "bound but not answering HTTP".

# Core Components

## Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

## Result

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

## Prober

The readiness prober polls until the endpoint answers or the context
deadline passes:

	prober := health.NewProber(health.ProberConfig{
		Interval: 2 * time.Second,
		Paths:    []string{"/", "/healthz"},
	})

	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := prober.WaitReady(ctx, "127.0.0.1", lab.HostPort); err != nil {
		// lab never came up; provisioning rolls back
	}

The error returned on deadline carries the last probe failure so the
provisioning diagnostics show what the endpoint looked like when time
ran out (connection refused vs HTTP 503 are very different problems).

## Status Tracking

Status implements hysteresis so a single blip does not degrade a lab:

	Healthy → 1 failure → Still healthy
	Healthy → 2 failures → Still healthy
	Healthy → 3 failures → Unhealthy

	Unhealthy → 1 success → Healthy

Configured via:

	type Config struct {
		Interval    time.Duration  // Time between checks (default: 30s)
		Timeout     time.Duration  // Max check duration (default: 10s)
		Retries     int            // Failures before unhealthy (default: 3)
		StartPeriod time.Duration  // Grace period after READY (default: 0)
	}

# Usage Examples

## Probing a lab endpoint once

	checker := health.NewHTTPChecker("http://127.0.0.1:30123/")
	result := checker.Check(ctx)

	if result.Healthy {
		fmt.Printf("lab answering: %s (took %v)\n", result.Message, result.Duration)
	}

## Observer loop

	status := health.NewStatus()
	config := health.DefaultConfig()

	for {
		if status.InStartPeriod(config) {
			time.Sleep(config.Interval)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		result := checker.Check(ctx)
		cancel()

		status.Update(result, config)

		if !status.Healthy {
			// READY → DEGRADED
		}

		time.Sleep(config.Interval)
	}

# Security Considerations

  - Probes target 127.0.0.1 plus the lab's published port; the prober
    never reaches inside the lab's network namespace
  - Probe URLs never carry credentials; a lab that requires auth on "/"
    still answers the probe with a 302 or 401, both of which prove life
  - Probe failure messages may embed dial errors containing the address;
    these are safe to log and are not redacted

# See Also

  - pkg/manager - Runs the readiness prober during provisioning
  - pkg/reconciler - Observer drives READY ⇄ DEGRADED from Status
*/
package health
