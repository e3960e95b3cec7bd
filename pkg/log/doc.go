// Package log provides structured logging for hpcq using zerolog.
//
// A single global Logger is initialized once via Init and then narrowed with
// WithComponent/WithJobID/WithLeaseID into child loggers carrying consistent
// context fields across the queue client, producer, executor, and consumer
// loop. JSON output is used in production; a console writer is available for
// interactive use.
package log
