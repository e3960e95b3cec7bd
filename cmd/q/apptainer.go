package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/cuemby/hpcq/pkg/config"
	"github.com/cuemby/hpcq/pkg/image"
	"github.com/cuemby/hpcq/pkg/log"
)

// newPullFn builds the image.Refresher pull callback for imagePath: either a
// direct download of a pre-built .sif (APPTAINER_SIF_URL) or a conversion
// pull through the apptainer binary from the OCI registry
// (APPTAINER_OCI_REF), matching spec §4.3/§6.4's "external binary" contract.
func newPullFn(cfg *config.Config, imagePath string) func(ctx context.Context, digest string) error {
	return func(ctx context.Context, digest string) error {
		tmpPath := imagePath + ".tmp"
		logger := log.WithComponent("image")

		if cfg.ApptainerSIFURL != "" {
			logger.Info().Str("url", cfg.ApptainerSIFURL).Msg("downloading pre-built SIF image")
			return downloadFile(ctx, cfg.ApptainerSIFURL, tmpPath)
		}

		ref := cfg.ApptainerOCIRef
		if digest != "" {
			parsed, err := image.ParseRef(ref)
			if err == nil {
				ref = fmt.Sprintf("%s/%s@%s", parsed.Registry, parsed.Repo, digest)
			}
		}

		logger.Info().Str("ref", ref).Msg("pulling and converting OCI image via apptainer")
		cmd := exec.CommandContext(ctx, cfg.ApptainerBin, "pull", "--force", tmpPath, "docker://"+ref)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("apptainer pull: %w", err)
		}
		return nil
	}
}

func downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}
