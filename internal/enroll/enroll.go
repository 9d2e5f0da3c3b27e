// Package enroll registers identities from reference photos.
package enroll

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
)

// IdentityWriter stores a reference embedding under a name.
type IdentityWriter interface {
	UpsertIdentityByName(ctx context.Context, name string, vec []float32) (id int64, created bool, err error)
}

// Fetcher loads image bytes from a local path or an http(s) URL.
type Fetcher struct {
	Client          *http.Client
	MaxAttempts     int
	InitialInterval time.Duration
	MaxBytes        int64
}

// DefaultFetcher retries remote fetches three times starting at 500ms.
func DefaultFetcher() *Fetcher {
	return &Fetcher{
		Client:          &http.Client{Timeout: 15 * time.Second},
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxBytes:        20 << 20,
	}
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Fetch returns the raw bytes at src.
func (f *Fetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	if !isURL(src) {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w: %w", src, apperr.ErrInput, err)
		}
		return data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.InitialInterval
	attempts := f.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var data []byte
	op := func() error {
		var err error
		data, err = f.get(ctx, src)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("fetch image %s: %w: %w", src, apperr.ErrInput, err)
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// CheckImage verifies data decodes as JPEG or PNG.
func CheckImage(data []byte) error {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("image could not be decoded: %w", apperr.ErrInput)
	}
	if format != "jpeg" && format != "png" {
		return fmt.Errorf("unsupported image type %q: %w", format, apperr.ErrInput)
	}
	return nil
}

// Analyzer runs the detector and embedder on a single still image.
type Analyzer struct {
	Detector pipeline.Detector
	Embedder pipeline.Embedder
	Timeout  time.Duration
}

// Analyze returns the face found in img and its embedding. A missing face is an input error.
func (a *Analyzer) Analyze(ctx context.Context, img []byte) (*types.Face, []float32, error) {
	if err := CheckImage(img); err != nil {
		return nil, nil, err
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = pipeline.DefaultModelTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	face, err := a.Detector.Detect(dctx, img)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("detect face: %w: %w", apperr.ErrModel, err)
	}
	if face == nil {
		return nil, nil, fmt.Errorf("no face detected: %w", apperr.ErrInput)
	}

	ectx, cancel := context.WithTimeout(ctx, timeout)
	vec, err := a.Embedder.Embed(ectx, face)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("embed face: %w: %w", apperr.ErrModel, err)
	}
	if len(vec) != types.EmbeddingDim {
		return nil, nil, fmt.Errorf("embedding has %d dimensions, want %d: %w", len(vec), types.EmbeddingDim, apperr.ErrModel)
	}
	return face, vec, nil
}

// Result describes a completed enrollment.
type Result struct {
	ID      int64
	Name    string
	Created bool
	Face    *types.Face
}

// Enroller registers or updates identities.
type Enroller struct {
	Analyzer *Analyzer
	Store    IdentityWriter
	Fetcher  *Fetcher
	Logger   *slog.Logger
}

// Enroll fetches the image at src and registers it under name.
func (e *Enroller) Enroll(ctx context.Context, name, src string) (*Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", apperr.ErrInput)
	}

	fetcher := e.Fetcher
	if fetcher == nil {
		fetcher = DefaultFetcher()
	}
	img, err := fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return e.EnrollImage(ctx, name, img)
}

// EnrollImage registers img under name. An existing identity with the same name gets the new
// embedding.
func (e *Enroller) EnrollImage(ctx context.Context, name string, img []byte) (*Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", apperr.ErrInput)
	}

	face, vec, err := e.Analyzer.Analyze(ctx, img)
	if err != nil {
		return nil, err
	}

	id, created, err := e.Store.UpsertIdentityByName(ctx, name, vec)
	if err != nil {
		return nil, fmt.Errorf("save identity %q: %w", name, err)
	}

	logger := logging.OrDefault(e.Logger)
	logger.Info("identity enrolled",
		slog.Int64("identity_id", id),
		slog.String("name", name),
		slog.Bool("created", created),
		slog.Float64("face_confidence", face.Confidence))

	return &Result{ID: id, Name: name, Created: created, Face: face}, nil
}
