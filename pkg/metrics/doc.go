// Package metrics defines and registers the Prometheus metrics exposed by
// the HPC-side consumer at /metrics (see pkg/adminserver).
//
// Metrics are grouped by the component that emits them: queue client
// (request outcome/duration/rate-limiting), producer (HTTP request status),
// job lifecycle (pulled/terminal/duration/in-flight), heartbeat
// (sent/last-timestamp), image refresher (pulls/digest mismatches), and
// supervisor (restarts). All are registered at package init via a single
// prometheus.MustRegister call, matching the rest of this codebase's
// package-level metric variables.
//
// Timer is a small helper for the common start-now/observe-later pattern
// used by the queue client and the consumer's job-duration instrumentation.
package metrics
