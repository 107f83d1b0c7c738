package preload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"spyglass/pkg/clients"
	"spyglass/pkg/logging"
	"spyglass/pkg/playback"

	"github.com/failsafe-go/failsafe-go"
)

// DefaultPrefetchBytes is enough of an MP4 head for moov parsing and the
// first GOP on typical short-video encodes.
const DefaultPrefetchBytes = 256 * 1024

// Config configures the prefetch factory.
type Config struct {
	// PrefetchBytes caps how much of each source is pulled.
	PrefetchBytes int64

	// MaxRetries bounds transient-error retries within one acquire. The
	// manager's acquire timeout still bounds the whole attempt.
	MaxRetries int

	Logger logging.Logger
}

// Factory acquires playback controllers by prefetching the head of the
// video source over HTTP. A successful prefetch proves the source is
// reachable and leaves its first bytes buffered for instant start.
type Factory struct {
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	prefetch int64
	logger   logging.Logger
}

var _ playback.ControllerFactory = (*Factory)(nil)

func NewFactory(cfg Config) *Factory {
	if cfg.PrefetchBytes <= 0 {
		cfg.PrefetchBytes = DefaultPrefetchBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}

	execCfg := clients.DefaultHTTPExecutorConfig()
	if cfg.MaxRetries > 0 {
		execCfg.MaxRetries = cfg.MaxRetries
	}
	// Responses the policy retries past would otherwise leak their bodies.
	execCfg.ShouldRetry = func(resp *http.Response, err error) bool {
		retry := clients.DefaultShouldRetry(resp, err)
		if retry && resp != nil {
			resp.Body.Close()
		}
		return retry
	}

	return &Factory{
		client:   &http.Client{Transport: clients.DefaultTransport()},
		executor: clients.NewHTTPExecutor(execCfg),
		prefetch: cfg.PrefetchBytes,
		logger:   cfg.Logger,
	}
}

// Acquire fetches the head of desc.URL with a ranged GET. Servers that
// ignore Range still work; the read is capped either way.
func (f *Factory) Acquire(ctx context.Context, desc playback.VideoDescriptor) (playback.Controller, error) {
	start := time.Now()
	resp, err := clients.ExecuteHTTP(ctx, f.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", f.prefetch-1))
		return f.client.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("prefetch %s: %w", desc.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("prefetch %s: unexpected status %d", desc.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.prefetch))
	if err != nil {
		return nil, fmt.Errorf("prefetch %s: read: %w", desc.URL, err)
	}

	f.logger.WithFields(logging.Fields{
		"video_id":    desc.ID,
		"bytes":       len(data),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Prefetched video head")

	return &bufferController{data: data}, nil
}

// bufferController holds the prefetched head of one video until the
// manager releases it.
type bufferController struct {
	mu   sync.Mutex
	data []byte
}

func (c *bufferController) Release() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}

// Size reports the buffered byte count, zero after release.
func (c *bufferController) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
