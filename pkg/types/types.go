// Package types holds the data model shared across the queue client,
// producer, executor, and consumer loops: job messages, result events, and
// the ephemeral lease a consumer holds on a pulled message.
package types

import "time"

// ExecMode selects how the Job Executor runs a job's command.
type ExecMode string

const (
	ExecModeContainer ExecMode = "container"
	ExecModeHost      ExecMode = "host"
)

// JobInput is the free-form key/value map carried on a Job Message. Fields
// consumed by the executor are extracted with typed accessors below; unknown
// keys are passed through untouched.
type JobInput map[string]any

func (in JobInput) str(key string) (string, bool) {
	v, ok := in[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Command returns the shell command to run, or "" if absent.
func (in JobInput) Command() string {
	s, _ := in.str("command")
	return s
}

// ExecMode returns the configured exec mode, defaulting to ExecModeContainer.
func (in JobInput) ExecMode() ExecMode {
	s, ok := in.str("exec_mode")
	if !ok || s == "" {
		return ExecModeContainer
	}
	return ExecMode(s)
}

// Runner returns the prepended executable for run-file jobs. An explicit
// empty string means "exec the file directly"; absence means the default
// "python".
func (in JobInput) Runner() string {
	s, ok := in.str("runner")
	if !ok {
		return "python"
	}
	return s
}

// FileName returns the workspace-relative file name to materialise, if any.
func (in JobInput) FileName() (string, bool) {
	return in.str("file_name")
}

// FileContentB64 returns the base64-encoded file content to materialise, if any.
func (in JobInput) FileContentB64() (string, bool) {
	return in.str("file_content_b64")
}

// TimeoutSeconds returns the job's wall-clock timeout, defaulting to 86400 (24h).
func (in JobInput) TimeoutSeconds() int {
	v, ok := in["timeout_seconds"]
	if !ok {
		return 86400
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 86400
	}
}

// JobMessage is the envelope placed on the jobs queue by the Producer and
// consumed by the Pull Consumer Loop. job_id is the idempotency key: any
// redelivery of the same message must yield the same terminal result.
type JobMessage struct {
	JobID     string         `json:"job_id"`
	Input     JobInput       `json:"input"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Lease is the ephemeral association between a pulled message and the
// consumer holding it, valid until VisibilityDeadline.
type Lease struct {
	LeaseID            string
	VisibilityDeadline time.Time
	Attempts           int
}

// ResultStatus discriminates the tagged union of Result Event.
type ResultStatus string

const (
	StatusHeartbeat ResultStatus = "heartbeat"
	StatusRunning   ResultStatus = "running"
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
)

// ErrorKind enumerates the failure taxonomy from spec §7. It is carried on
// failed Result Events as a stable machine-readable tag.
type ErrorKind string

const (
	ErrorKindInvalidInput     ErrorKind = "invalid_input"
	ErrorKindPoison           ErrorKind = "poison"
	ErrorKindImageUnavailable ErrorKind = "image_unavailable"
	ErrorKindLaunchFailed     ErrorKind = "launch_failed"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindNonZeroExit      ErrorKind = "nonzero_exit"
	ErrorKindTransportError   ErrorKind = "transport_error"
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindWorkerShutdown   ErrorKind = "worker_shutdown"
)

// ResultEvent is the tagged union published to the results queue. Only the
// fields relevant to Status are populated; the rest are zero values.
type ResultEvent struct {
	JobID  string       `json:"job_id,omitempty"`
	Status ResultStatus `json:"status"`

	// heartbeat fields
	HPCRunningRemote bool   `json:"hpc_running_remote,omitempty"`
	Hostname         string `json:"hostname,omitempty"`
	WorkerVersion    string `json:"worker_version,omitempty"`

	// running / terminal fields
	StdoutTail      string  `json:"stdout_tail,omitempty"`
	StderrTail      string  `json:"stderr_tail,omitempty"`
	BytesReadStdout int64   `json:"bytes_read_stdout,omitempty"`
	BytesReadStderr int64   `json:"bytes_read_stderr,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// terminal-only fields
	ExitCode      *int      `json:"exit_code,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	ResultPointer *string   `json:"result_pointer,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// IntPtr is a small helper for constructing ResultEvent.ExitCode literals.
func IntPtr(n int) *int { return &n }
