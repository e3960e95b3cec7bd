// Package image resolves the remote OCI manifest digest for the runtime
// image, compares it against a persisted local digest sidecar, and
// pulls/converts only on mismatch. It is independent of the Pull Consumer
// Loop, which calls it before each job, and of the q CLI, which calls it on
// start and run-consumer; the Job Executor does not call it.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/metrics"
)

// manifest media types accepted per the OCI and Docker distribution specs.
// The union is sent as a single comma-separated Accept header so the
// registry can answer with whichever it natively stores.
var acceptMediaTypes = strings.Join([]string{
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}, ", ")

// Ref is a parsed OCI image reference.
type Ref struct {
	Registry string
	Repo     string
	Tag      string // empty if Digest is set
	Digest   string // "sha256:..." if digest-pinned
}

// ParseRef parses "registry/repo:tag" or "registry/repo@sha256:digest".
func ParseRef(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, fmt.Errorf("image: empty reference")
	}

	if idx := strings.Index(raw, "@"); idx != -1 {
		rest := raw[idx+1:]
		if !strings.HasPrefix(rest, "sha256:") {
			return Ref{}, fmt.Errorf("image: unsupported digest algorithm in %q", raw)
		}
		registry, repo, err := splitRegistryRepo(raw[:idx])
		if err != nil {
			return Ref{}, err
		}
		return Ref{Registry: registry, Repo: repo, Digest: rest}, nil
	}

	name := raw
	tag := "latest"
	if idx := strings.LastIndex(raw, ":"); idx != -1 && !strings.Contains(raw[idx:], "/") {
		name = raw[:idx]
		tag = raw[idx+1:]
	}
	registry, repo, err := splitRegistryRepo(name)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Registry: registry, Repo: repo, Tag: tag}, nil
}

func splitRegistryRepo(name string) (registry, repo string, err error) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("image: reference %q missing registry/repo separator", name)
	}
	return parts[0], parts[1], nil
}

// IsDigestPinned reports whether the reference is already pinned by digest.
func (r Ref) IsDigestPinned() bool { return r.Digest != "" }

// Credentials holds optional bearer/basic auth for the registry.
type Credentials struct {
	Username string
	Password string
}

// Refresher resolves and installs the runtime image.
type Refresher struct {
	httpClient *http.Client
	creds      Credentials
}

// New creates a Refresher with optional registry credentials.
func New(creds Credentials) *Refresher {
	return &Refresher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
	}
}

// Result describes the outcome of Ensure.
type Result struct {
	Digest  string
	Changed bool // true if a pull happened
}

// Ensure resolves the remote digest for ref and, if it differs from the
// sidecar at imagePath+".digest" (or the sidecar is missing), pulls the
// image via pullFn into imagePath+".tmp", atomically renames it into place,
// then writes the sidecar. pullFn receives the resolved digest so callers
// can pass it through to the download step.
//
// Failure policy: if digest resolution fails but imagePath already exists,
// Ensure logs and returns the stale digest without error. If imagePath does
// not exist, Ensure attempts pullFn with an empty digest as a last resort
// before failing.
func (r *Refresher) Ensure(ctx context.Context, ref Ref, imagePath string, pullFn func(ctx context.Context, digest string) error) (Result, error) {
	logger := log.WithComponent("image")

	digest, resolveErr := r.resolveDigest(ctx, ref)

	if resolveErr != nil {
		if _, statErr := os.Stat(imagePath); statErr == nil {
			logger.Warn().Err(resolveErr).Str("image", imagePath).Msg("digest resolution failed, continuing with stale image")
			metrics.ImagePullsTotal.WithLabelValues("stale_fallback").Inc()
			sidecarDigest, _ := readSidecar(sidecarPath(imagePath))
			return Result{Digest: sidecarDigest}, nil
		}

		logger.Warn().Err(resolveErr).Msg("digest resolution failed and no local image exists, attempting unconditional pull")
		if err := r.pullAndInstall(ctx, imagePath, "", pullFn); err != nil {
			metrics.ImagePullsTotal.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("image: last-resort pull failed: %w", err)
		}
		metrics.ImagePullsTotal.WithLabelValues("pulled").Inc()
		return Result{Changed: true}, nil
	}

	sidecarDigest, _ := readSidecar(sidecarPath(imagePath))
	if _, statErr := os.Stat(imagePath); statErr == nil && sidecarDigest == digest {
		metrics.ImagePullsTotal.WithLabelValues("unchanged").Inc()
		return Result{Digest: digest}, nil
	}
	if sidecarDigest != "" && sidecarDigest != digest {
		metrics.ImageDigestMismatchTotal.Inc()
	}

	if err := r.pullAndInstall(ctx, imagePath, digest, pullFn); err != nil {
		metrics.ImagePullsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("image: pull and install: %w", err)
	}

	metrics.ImagePullsTotal.WithLabelValues("pulled").Inc()
	return Result{Digest: digest, Changed: true}, nil
}

func (r *Refresher) pullAndInstall(ctx context.Context, imagePath, digest string, pullFn func(ctx context.Context, digest string) error) error {
	tmpPath := imagePath + ".tmp"
	if err := pullFn(ctx, digest); err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	if err := os.Rename(tmpPath, imagePath); err != nil {
		return fmt.Errorf("atomic rename %s -> %s: %w", tmpPath, imagePath, err)
	}

	if digest != "" {
		if err := writeSidecar(sidecarPath(imagePath), digest); err != nil {
			return fmt.Errorf("write digest sidecar: %w", err)
		}
	}

	return nil
}

// resolveDigest returns the image's digest: the pinned digest if ref is
// digest-pinned, otherwise the result of a manifest HEAD request.
func (r *Refresher) resolveDigest(ctx context.Context, ref Ref) (string, error) {
	if ref.IsDigestPinned() {
		return ref.Digest, nil
	}

	token, err := r.pullToken(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("obtaining pull token: %w", err)
	}

	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ref.Registry, ref.Repo, ref.Tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", acceptMediaTypes)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("manifest HEAD: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest HEAD returned status %d", resp.StatusCode)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("manifest response missing Docker-Content-Digest header")
	}
	return digest, nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// pullToken obtains a pull-scoped bearer token from the registry's token
// endpoint, anonymous or via HTTP Basic when credentials are configured.
// An unreachable token endpoint, a non-200 answer, or an undecodable body
// all yield an empty token, which callers omit; no WWW-Authenticate
// challenge is consulted.
func (r *Refresher) pullToken(ctx context.Context, ref Ref) (string, error) {
	realm := fmt.Sprintf("https://%s/token", ref.Registry)
	scope := fmt.Sprintf("repository:%s:pull", ref.Repo)
	url := fmt.Sprintf("%s?service=%s&scope=%s", realm, ref.Registry, scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if r.creds.Username != "" {
		req.SetBasicAuth(r.creds.Username, r.creds.Password)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// Registries without a token service (plain Basic/anonymous) are
		// common for private mirrors; treat unreachable token endpoints as
		// "no token required" rather than a hard failure.
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", nil
	}
	if tr.Token != "" {
		return tr.Token, nil
	}
	return tr.AccessToken, nil
}

func sidecarPath(imagePath string) string {
	return imagePath + ".digest"
}

func readSidecar(p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeSidecar writes digest to path via a temp file + rename so readers
// never observe a partially written sidecar. It is the last step of a
// successful pull, per spec's digest-safety invariant.
func writeSidecar(p, digest string) error {
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(digest), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// DefaultSidecarDir returns the directory portion of an image path, useful
// for callers that need to ensure the runtime directory exists first.
func DefaultSidecarDir(imagePath string) string {
	return path.Dir(imagePath)
}
