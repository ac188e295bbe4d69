// Package transformer fetches a source image, re-encodes it as a compressed
// JPEG and publishes the result through a content store.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/internal/metrics"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultQuality      = 50
	defaultFetchTimeout = 30 * time.Second
	outputSuffix        = "_output.jpg"
)

var errTooLarge = errors.New("response exceeds size limit")

// Config holds transformer settings
type Config struct {
	Quality      int
	FetchTimeout time.Duration
	// MaxBytes caps the downloaded size; zero means unlimited
	MaxBytes int64
	// RateLimit is fetches per second; zero disables throttling
	RateLimit int
	RateBurst int
	// UploadDir holds downloaded inputs until they are re-encoded
	UploadDir string
}

// Transformer turns one source reference into one result reference
type Transformer struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	store   ContentStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Transformer. m may be nil.
func New(cfg Config, store ContentStore, m *metrics.Metrics, logger *slog.Logger) (*Transformer, error) {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = defaultQuality
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RateLimit
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Transformer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		limiter: limiter,
		store:   store,
		metrics: m,
		logger:  logger,
	}, nil
}

// Transform downloads sourceRef, compresses it and returns the public URL of
// the result. Failures are *domain.FetchError or *domain.TransformError.
func (t *Transformer) Transform(ctx context.Context, sourceRef string) (string, error) {
	input, err := t.fetch(ctx, sourceRef)
	if err != nil {
		t.count("fetch_error")
		return "", &domain.FetchError{SourceRef: sourceRef, Err: err}
	}
	defer func() {
		if rmErr := os.Remove(input); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			t.logger.Warn("Failed to remove downloaded input",
				slog.String("path", input),
				slog.Any("error", rmErr),
			)
		}
	}()

	resultRef, err := t.compress(ctx, input)
	if err != nil {
		t.count("transform_error")
		return "", &domain.TransformError{SourceRef: sourceRef, Err: err}
	}

	t.count("ok")
	t.logger.Debug("Image transformed",
		slog.String("source_ref", sourceRef),
		slog.String("result_ref", resultRef),
	)
	return resultRef, nil
}

// fetch streams the source into a temp file and returns its path
func (t *Transformer) fetch(ctx context.Context, sourceRef string) (string, error) {
	u, err := url.Parse(sourceRef)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceRef, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(t.cfg.UploadDir, "input-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	var body io.Reader = resp.Body
	if t.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, t.cfg.MaxBytes+1)
	}

	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && t.cfg.MaxBytes > 0 && n > t.cfg.MaxBytes {
		err = errTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("download: %w", err)
	}

	return path, nil
}

func (t *Transformer) compress(ctx context.Context, input string) (string, error) {
	img, err := imaging.Open(input, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	name := uuid.New().String() + outputSuffix
	resultRef, err := t.store.Save(ctx, name, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(t.cfg.Quality))
	})
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return resultRef, nil
}

func (t *Transformer) count(outcome string) {
	if t.metrics != nil {
		t.metrics.RefsTransformed.WithLabelValues(outcome).Inc()
	}
}
