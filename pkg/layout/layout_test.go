package layout_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/pkg/layout"
)

func TestPathsAreRootedAtBase(t *testing.T) {
	l := layout.New("/base")
	assert.Equal(t, "/base/hpc-consumer/results/job-1", l.JobDir("job-1"))
	assert.Equal(t, "/base/hpc-consumer/results/job-1/input.json", l.InputPath("job-1"))
	assert.Equal(t, "/base/hpc-consumer/results/job-1/stdout.log", l.StdoutPath("job-1"))
	assert.Equal(t, "/base/hpc-consumer/results/job-1/stderr.log", l.StderrPath("job-1"))
	assert.Equal(t, "/base/hpc-consumer/results/job-1/output.json", l.OutputPath("job-1"))
	assert.Equal(t, "/base/hpc-consumer/results/job-1/done.json", l.DonePath("job-1"))
	assert.Equal(t, "/base/runtime", l.RuntimeDir())
	assert.Equal(t, "/base/runtime/worker.sif", l.ImagePath("worker"))
	assert.Equal(t, "/base/local-results", l.LocalResultsDir())
	assert.Equal(t, "/base/local-results/job-1.json", l.LocalRecordPath("job-1"))
	assert.Equal(t, "/base/local-results/job-1.stdout.log", l.LocalStdoutPath("job-1"))
	assert.Equal(t, "/base/local-results/job-1.stderr.log", l.LocalStderrPath("job-1"))
	assert.Equal(t, "/base/hpc-consumer.pid", l.PIDFile())
	assert.Equal(t, "/base/hpc-consumer.log", l.SuperviseLogPath())
}

func TestEnsureDirsCreatesDirectories(t *testing.T) {
	base := t.TempDir()
	l := layout.New(base)

	require.NoError(t, l.EnsureJobDir("job-1"))
	require.DirExists(t, l.JobDir("job-1"))

	require.NoError(t, l.EnsureRuntimeDir())
	require.DirExists(t, l.RuntimeDir())

	require.NoError(t, l.EnsureLocalResultsDir())
	require.DirExists(t, l.LocalResultsDir())
}

func TestWriteFileAtomicLeavesNoTempFile(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "out.txt")

	require.NoError(t, layout.WriteFileAtomic(target, []byte("hello"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.NoFileExists(t, target+".tmp")
}

func TestWriteJSONAtomicRoundTrips(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "record.json")

	type record struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	want := record{JobID: "a-b-123456", Status: "succeeded"}
	require.NoError(t, layout.WriteJSONAtomic(target, want))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var got record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, want, got)
}

func TestExists(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "present.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	assert.True(t, layout.Exists(target))
	assert.False(t, layout.Exists(filepath.Join(base, "missing.txt")))
}
