// Package modelstore distributes the face-detection model assets. The server
// mirrors models from S3 into a local cache and serves them to agents; agents
// fetch what they need before starting detectors.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/invigilo/backend/pkg/response"
	"github.com/invigilo/backend/pkg/storage"
)

// Model asset names served to agents. These match the weight files the
// detection pipeline loads.
var ModelNames = []string{
	"tiny_face_detector_model-weights_manifest.json",
	"tiny_face_detector_model-shard1",
	"face_landmark_68_model-weights_manifest.json",
	"face_landmark_68_model-shard1",
}

// ErrModelNotFound is returned when a requested model asset does not exist.
var ErrModelNotFound = errors.New("model asset not found")

// Provider mirrors model assets from S3 into a local cache directory.
type Provider struct {
	s3       *storage.S3
	prefix   string
	cacheDir string
	logger   *zap.Logger
}

// NewProvider creates a model asset provider. cacheDir defaults to a
// directory under os.TempDir().
func NewProvider(s3 *storage.S3, prefix, cacheDir string, logger *zap.Logger) *Provider {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "invigilo-models")
	}
	return &Provider{s3: s3, prefix: prefix, cacheDir: cacheDir, logger: logger}
}

// Path returns the local path of a cached model asset.
func (p *Provider) Path(name string) string {
	return filepath.Join(p.cacheDir, filepath.Base(name))
}

// Ensure mirrors every known model asset into the cache. Assets already
// present are kept; a missing asset fails in isolation and is reported in
// the returned slice.
func (p *Provider) Ensure(ctx context.Context) (missing []string, err error) {
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	for _, name := range ModelNames {
		local := p.Path(name)
		if _, err := os.Stat(local); err == nil {
			continue
		}
		if err := p.fetch(ctx, name, local); err != nil {
			p.logger.Warn("model asset unavailable", zap.String("model", name), zap.Error(err))
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (p *Provider) fetch(ctx context.Context, name, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer f.Close()

	key := storage.ModelKey(p.prefix, name)
	if _, err := p.s3.Download(ctx, p.s3.ModelsBucket(), key, f); err != nil {
		os.Remove(local)
		return err
	}
	p.logger.Info("model asset cached", zap.String("model", name))
	return nil
}

// ServeModel handles GET /models/:name, streaming a cached asset to the
// agent. Unknown or uncached assets return 404.
func (p *Provider) ServeModel(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	known := false
	for _, m := range ModelNames {
		if m == name {
			known = true
			break
		}
	}
	if !known {
		response.NotFound(c, "unknown model asset")
		return
	}
	local := p.Path(name)
	if _, err := os.Stat(local); err != nil {
		response.NotFound(c, "model asset not available")
		return
	}
	c.File(local)
}
