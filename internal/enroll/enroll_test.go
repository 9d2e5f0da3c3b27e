package enroll

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/store/memory"
	"github.com/andresmejia3/rollcall/internal/types"
)

type fakeDetector struct {
	face *types.Face
	err  error
}

func (d *fakeDetector) Detect(ctx context.Context, frame []byte) (*types.Face, error) {
	return d.face, d.err
}

type fakeEmbedder struct{ vec []float32 }

func (e *fakeEmbedder) Embed(ctx context.Context, face *types.Face) ([]float32, error) {
	return e.vec, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func unit(axis int) []float32 {
	v := make([]float32, types.EmbeddingDim)
	v[axis] = 1
	return v
}

func newEnroller(store *memory.Store, det *fakeDetector, emb *fakeEmbedder) *Enroller {
	return &Enroller{
		Analyzer: &Analyzer{Detector: det, Embedder: emb},
		Store:    store,
		Fetcher:  &Fetcher{MaxAttempts: 3, InitialInterval: time.Millisecond},
	}
}

func TestEnroll_FromFileCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	emb := &fakeEmbedder{vec: unit(0)}
	e := newEnroller(store, &fakeDetector{face: &types.Face{Confidence: 0.99}}, emb)

	path := filepath.Join(t.TempDir(), "alice.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t), 0o644))

	res, err := e.Enroll(ctx, "  Alice ", path)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Alice", res.Name)

	emb.vec = unit(1)
	again, err := e.Enroll(ctx, "Alice", path)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.ID, again.ID)

	ids, _ := store.ListIdentities(ctx)
	require.Len(t, ids, 1)
	assert.Equal(t, float32(1), ids[0].Vector[1])
}

func TestEnroll_Rejections(t *testing.T) {
	ctx := context.Background()
	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.Black, color.White}), nil))

	tests := []struct {
		name    string
		person  string
		img     []byte
		det     *fakeDetector
		vec     []float32
		wantErr error
	}{
		{"empty name", "   ", pngBytes(t), &fakeDetector{face: &types.Face{}}, unit(0), apperr.ErrInput},
		{"not an image", "Bob", []byte("hello"), &fakeDetector{face: &types.Face{}}, unit(0), apperr.ErrInput},
		{"gif", "Bob", gifBuf.Bytes(), &fakeDetector{face: &types.Face{}}, unit(0), apperr.ErrInput},
		{"no face", "Bob", pngBytes(t), &fakeDetector{}, unit(0), apperr.ErrInput},
		{"detector failure", "Bob", pngBytes(t), &fakeDetector{err: errors.New("boom")}, unit(0), apperr.ErrModel},
		{"short embedding", "Bob", pngBytes(t), &fakeDetector{face: &types.Face{}}, []float32{1, 2}, apperr.ErrModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			e := newEnroller(store, tt.det, &fakeEmbedder{vec: tt.vec})

			_, err := e.EnrollImage(ctx, tt.person, tt.img)
			assert.ErrorIs(t, err, tt.wantErr)

			ids, _ := store.ListIdentities(ctx)
			assert.Empty(t, ids)
		})
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	img := pngBytes(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(img)
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), MaxAttempts: 3, InitialInterval: time.Millisecond}
	data, err := f.Fetch(context.Background(), srv.URL+"/alice.png")
	require.NoError(t, err)
	assert.Equal(t, img, data)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetch_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), MaxAttempts: 3, InitialInterval: time.Millisecond}
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, apperr.ErrInput)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetch_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), MaxAttempts: 3, InitialInterval: time.Millisecond}
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetch_MissingFile(t *testing.T) {
	_, err := DefaultFetcher().Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, apperr.ErrInput)
}
