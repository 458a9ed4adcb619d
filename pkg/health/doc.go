/*
Package health provides health checking primitives for Nexus services.

Three checker types probe an endpoint and return a uniform Result; the
Status tracker turns a stream of results into healthy/unhealthy with
consecutive-failure hysteresis.

# Checkers

  - HTTPChecker: GET (configurable) against a health URL, healthy within
    an expected status range. Used by the hypervisor for services whose
    type exposes an HTTP health path.
  - TCPChecker: connect-and-close. Used as the fallback probe when a
    service has a port but no health path.
  - GRPCChecker: grpc.health.v1.Health/Check against a gRPC endpoint.
    Used for services of the grpc type.

All checkers accept a context and apply their own timeout on top. A check
failure is a Result with Healthy=false and a message, not an error; the
caller decides what a failure means.

# Status Tracking

	config := health.Config{Interval: 30 * time.Second, Timeout: 10 * time.Second, Retries: 3}
	status := health.NewStatus()

	result := checker.Check(ctx)
	status.Update(result, config)
	if !status.Healthy {
		// escalate
	}

Status flips to unhealthy only after Retries consecutive failures and
recovers on the first success. StartPeriod suppresses escalation while a
slow-starting service initializes.

# Integration Points

The hypervisor's health tick builds a checker per service from its type
and health URL, runs the probes off-loop, and feeds failures back into the
command channel as service failure commands.
*/
package health
