package modelstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fetcher downloads model assets from the server into a local directory on
// the agent side. Each asset fails in isolation: detectors that depend on a
// missing model report themselves unavailable, the rest run.
type Fetcher struct {
	serverURL string
	dir       string
	http      *http.Client
	logger    *zap.Logger
}

// NewFetcher creates an agent-side model fetcher.
func NewFetcher(serverURL, dir string, logger *zap.Logger) *Fetcher {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "invigilo-agent-models")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		serverURL: strings.TrimRight(serverURL, "/"),
		dir:       dir,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
}

// Dir returns the local model directory.
func (f *Fetcher) Dir() string { return f.dir }

// FetchAll downloads every model asset not already present. Returns the
// names that could not be fetched.
func (f *Fetcher) FetchAll(ctx context.Context) (missing []string, err error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	for _, name := range ModelNames {
		local := filepath.Join(f.dir, name)
		if _, err := os.Stat(local); err == nil {
			continue
		}
		if err := f.fetch(ctx, name, local); err != nil {
			f.logger.Warn("model fetch failed", zap.String("model", name), zap.Error(err))
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (f *Fetcher) fetch(ctx context.Context, name, local string) error {
	url := fmt.Sprintf("%s/api/models/%s", f.serverURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	tmp := local + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, local)
}
