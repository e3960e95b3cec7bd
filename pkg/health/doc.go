// Package health provides the Checker abstraction backing the consumer's
// /healthz endpoint: Checker.Check(ctx) reports Healthy/Message/Duration for
// one probe, and Status folds a sequence of those results into a single
// debounced healthy bool using N-consecutive-failures hysteresis (Config),
// so a single slow tick does not flip liveness.
//
// The only Checker implementation is the heartbeat checker in heartbeat.go,
// which reports unhealthy once the time since the Pull Consumer Loop's last
// published heartbeat exceeds a configured staleness threshold.
package health
