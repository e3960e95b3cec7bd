// Package layout centralises the on-disk paths shared by the Job Executor,
// Results Consumer, and Image Refresher, and the atomic-write helpers that
// back the idempotence invariant and the local result records.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Layout roots the persisted directory tree at a repo-like base directory.
type Layout struct {
	base string
}

// New returns a Layout rooted at base, e.g. the process's working directory
// or a configured RESULTS_DIR's parent.
func New(base string) *Layout {
	return &Layout{base: base}
}

// JobDir is the per-job workspace owned by the Executor for the job's
// duration: <base>/hpc-consumer/results/<job_id>/
func (l *Layout) JobDir(jobID string) string {
	return filepath.Join(l.base, "hpc-consumer", "results", jobID)
}

func (l *Layout) InputPath(jobID string) string  { return filepath.Join(l.JobDir(jobID), "input.json") }
func (l *Layout) StdoutPath(jobID string) string { return filepath.Join(l.JobDir(jobID), "stdout.log") }
func (l *Layout) StderrPath(jobID string) string { return filepath.Join(l.JobDir(jobID), "stderr.log") }
func (l *Layout) OutputPath(jobID string) string { return filepath.Join(l.JobDir(jobID), "output.json") }
func (l *Layout) DonePath(jobID string) string   { return filepath.Join(l.JobDir(jobID), "done.json") }

// RuntimeDir holds the installed container image and its digest sidecar:
// <base>/runtime/<image>.sif[.digest]
func (l *Layout) RuntimeDir() string {
	return filepath.Join(l.base, "runtime")
}

func (l *Layout) ImagePath(imageName string) string {
	return filepath.Join(l.RuntimeDir(), imageName+".sif")
}

// LocalResultsDir is the CLI-side mirror written by the Results Consumer:
// <base>/local-results/<job_id>.{json,stdout.log,stderr.log}
func (l *Layout) LocalResultsDir() string {
	return filepath.Join(l.base, "local-results")
}

func (l *Layout) LocalRecordPath(jobID string) string {
	return filepath.Join(l.LocalResultsDir(), jobID+".json")
}

func (l *Layout) LocalStdoutPath(jobID string) string {
	return filepath.Join(l.LocalResultsDir(), jobID+".stdout.log")
}

func (l *Layout) LocalStderrPath(jobID string) string {
	return filepath.Join(l.LocalResultsDir(), jobID+".stderr.log")
}

// PIDFile is the Supervisor's own PID file path.
func (l *Layout) PIDFile() string {
	return filepath.Join(l.base, "hpc-consumer.pid")
}

// SuperviseLogPath is where `q start` redirects the detached supervisor's
// stdout/stderr, since nothing else is attached to a terminal to read it.
func (l *Layout) SuperviseLogPath() string {
	return filepath.Join(l.base, "hpc-consumer.log")
}

// EnsureJobDir creates the per-job workspace, mkdir -p style.
func (l *Layout) EnsureJobDir(jobID string) error {
	if err := os.MkdirAll(l.JobDir(jobID), 0o755); err != nil {
		return fmt.Errorf("layout: creating job dir for %s: %w", jobID, err)
	}
	return nil
}

// EnsureRuntimeDir creates the runtime image directory.
func (l *Layout) EnsureRuntimeDir() error {
	if err := os.MkdirAll(l.RuntimeDir(), 0o755); err != nil {
		return fmt.Errorf("layout: creating runtime dir: %w", err)
	}
	return nil
}

// EnsureLocalResultsDir creates the local-results mirror directory.
func (l *Layout) EnsureLocalResultsDir() error {
	if err := os.MkdirAll(l.LocalResultsDir(), 0o755); err != nil {
		return fmt.Errorf("layout: creating local-results dir: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a sibling temp file plus rename,
// so readers never observe a partially written file. This backs the
// done.json idempotence marker, output records, and the supervisor PID
// file; the image digest sidecar is written by pkg/image's own writeSidecar.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("layout: writing temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("layout: renaming %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically to path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("layout: marshaling %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// Exists reports whether a file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
