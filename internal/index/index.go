// Package index builds the read-only snapshot of known identity embeddings that a scanning
// session matches against.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/types"
)

// IdentitySource is the persistence backend view the index needs.
type IdentitySource interface {
	ListIdentities(ctx context.Context) ([]types.Identity, error)
}

// Entry is one matchable identity. Norm is the precomputed L2 norm of Vector.
type Entry struct {
	ID     int64
	Name   string
	Vector []float32
	Norm   float64
}

// Snapshot is an immutable set of valid entries ordered by identity ID.
type Snapshot struct {
	entries []Entry
	byID    map[int64]int
	skipped int
	dim     int
}

// Load fetches every identity from src and keeps only those whose vector has length dim and
// a non-zero norm. Backend failures are reported as apperr.ErrStoreUnavailable.
func Load(ctx context.Context, src IdentitySource, dim int, logger *slog.Logger) (*Snapshot, error) {
	logger = logging.OrDefault(logger)

	identities, err := src.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w: %w", apperr.ErrStoreUnavailable, err)
	}

	entries := make([]Entry, 0, len(identities))
	skipped := 0
	for _, id := range identities {
		if len(id.Vector) != dim {
			logger.Warn("skipping identity with malformed embedding",
				slog.Int64("identity_id", id.ID),
				slog.String("name", id.Name),
				slog.Int("length", len(id.Vector)),
				slog.Int("want", dim))
			skipped++
			continue
		}
		norm := Norm(id.Vector)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			logger.Warn("skipping identity with degenerate embedding",
				slog.Int64("identity_id", id.ID),
				slog.String("name", id.Name))
			skipped++
			continue
		}
		vec := make([]float32, dim)
		copy(vec, id.Vector)
		entries = append(entries, Entry{ID: id.ID, Name: id.Name, Vector: vec, Norm: norm})
	}

	snap := New(entries, dim)
	snap.skipped = skipped

	logger.Info("embedding index loaded",
		slog.Int("valid", snap.Len()),
		slog.Int("skipped", skipped))
	return snap, nil
}

// New builds a snapshot from already validated entries. Used by Load and by tests.
func New(entries []Entry, dim int) *Snapshot {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[int64]int, len(sorted))
	for i := range sorted {
		if sorted[i].Norm == 0 {
			sorted[i].Norm = Norm(sorted[i].Vector)
		}
		byID[sorted[i].ID] = i
	}
	return &Snapshot{entries: sorted, byID: byID, dim: dim}
}

// Len returns the number of valid entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Skipped returns how many records were excluded during Load.
func (s *Snapshot) Skipped() int {
	if s == nil {
		return 0
	}
	return s.skipped
}

// Dim returns the embedding length the snapshot was built for.
func (s *Snapshot) Dim() int {
	if s == nil {
		return 0
	}
	return s.dim
}

// Entries returns the entries in ascending identity ID order. Callers must not modify them.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

// Lookup returns the entry for an identity ID.
func (s *Snapshot) Lookup(id int64) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Norm computes the L2 norm of v in float64.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
