package image_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/pkg/image"
)

func TestParseRefWithTag(t *testing.T) {
	ref, err := image.ParseRef("registry.example.com/org/repo:v1.2")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com", ref.Registry)
	assert.Equal(t, "org/repo", ref.Repo)
	assert.Equal(t, "v1.2", ref.Tag)
	assert.False(t, ref.IsDigestPinned())
}

func TestParseRefDefaultsToLatest(t *testing.T) {
	ref, err := image.ParseRef("registry.example.com/org/repo")
	require.NoError(t, err)
	assert.Equal(t, "latest", ref.Tag)
}

func TestParseRefWithDigest(t *testing.T) {
	ref, err := image.ParseRef("registry.example.com/org/repo@sha256:abc123")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", ref.Digest)
	assert.True(t, ref.IsDigestPinned())
}

func TestParseRefRejectsUnsupportedDigestAlgorithm(t *testing.T) {
	_, err := image.ParseRef("registry.example.com/org/repo@md5:abc123")
	assert.Error(t, err)
}

func TestParseRefRejectsMissingRepo(t *testing.T) {
	_, err := image.ParseRef("justaname")
	assert.Error(t, err)
}

func TestParseRefEmpty(t *testing.T) {
	_, err := image.ParseRef("")
	assert.Error(t, err)
}

func TestEnsureDigestPinnedSkipsPullWhenSidecarMatches(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "worker.sif")
	require.NoError(t, os.WriteFile(imagePath, []byte("sif-bytes"), 0o644))
	require.NoError(t, os.WriteFile(imagePath+".digest", []byte("sha256:abc123"), 0o644))

	ref, err := image.ParseRef("registry.example.com/org/repo@sha256:abc123")
	require.NoError(t, err)

	r := image.New(image.Credentials{})
	pullCalled := false
	result, err := r.Ensure(context.Background(), ref, imagePath, func(ctx context.Context, digest string) error {
		pullCalled = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, pullCalled, "digest match should skip the pull")
	assert.False(t, result.Changed)
	assert.Equal(t, "sha256:abc123", result.Digest)
}

func TestEnsureDigestPinnedPullsOnMismatch(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "worker.sif")
	require.NoError(t, os.WriteFile(imagePath, []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(imagePath+".digest", []byte("sha256:old"), 0o644))

	ref, err := image.ParseRef("registry.example.com/org/repo@sha256:new")
	require.NoError(t, err)

	r := image.New(image.Credentials{})
	result, err := r.Ensure(context.Background(), ref, imagePath, func(ctx context.Context, digest string) error {
		return os.WriteFile(imagePath+".tmp", []byte("fresh-bytes"), 0o644)
	})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, "sha256:new", result.Digest)

	data, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	assert.Equal(t, "fresh-bytes", string(data))

	sidecar, err := os.ReadFile(imagePath + ".digest")
	require.NoError(t, err)
	assert.Equal(t, "sha256:new", string(sidecar))
}

func TestEnsureDigestPinnedNoExistingImagePulls(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "worker.sif")

	ref, err := image.ParseRef("registry.example.com/org/repo@sha256:new")
	require.NoError(t, err)

	r := image.New(image.Credentials{})
	pulled := false
	result, err := r.Ensure(context.Background(), ref, imagePath, func(ctx context.Context, digest string) error {
		pulled = true
		assert.Equal(t, "sha256:new", digest)
		return os.WriteFile(imagePath+".tmp", []byte("bytes"), 0o644)
	})
	require.NoError(t, err)
	assert.True(t, pulled)
	assert.True(t, result.Changed)
}

func TestEnsurePropagatesPullFnError(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "worker.sif")

	ref, err := image.ParseRef("registry.example.com/org/repo@sha256:new")
	require.NoError(t, err)

	r := image.New(image.Credentials{})
	_, err = r.Ensure(context.Background(), ref, imagePath, func(ctx context.Context, digest string) error {
		return assertErr
	})
	assert.Error(t, err)
}

var assertErr = &pullError{"boom"}

type pullError struct{ msg string }

func (e *pullError) Error() string { return e.msg }
