// Package matcher scores face embeddings against an index snapshot using cosine similarity.
//
// Recognition (1:N) scans every entry and accepts the best one when its similarity reaches the
// recognition threshold. Verification (1:1) compares against a single claimed identity with the
// stricter verification threshold. Ties on similarity are broken by the lower identity ID.
package matcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/index"
)

// DefaultTopK is the length of the ranking returned by Recognize.
const DefaultTopK = 5

// Thresholds are the minimum similarities for a 1:N match and a 1:1 verification.
type Thresholds struct {
	Recognition  float64
	Verification float64
}

// DefaultThresholds returns the thresholds the embedder was calibrated with.
func DefaultThresholds() Thresholds {
	return Thresholds{Recognition: 0.68, Verification: 0.72}
}

// Validate checks both thresholds are within [0, 1].
func (t Thresholds) Validate() error {
	if t.Recognition < 0 || t.Recognition > 1 {
		return fmt.Errorf("recognition threshold must be between 0.0 and 1.0, got %f", t.Recognition)
	}
	if t.Verification < 0 || t.Verification > 1 {
		return fmt.Errorf("verification threshold must be between 0.0 and 1.0, got %f", t.Verification)
	}
	return nil
}

// Candidate is one scored identity.
type Candidate struct {
	ID         int64   `json:"identity_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Distance returns 1 - similarity.
func (c Candidate) Distance() float64 {
	return 1 - c.Similarity
}

// Result is the outcome of a 1:N search. Match is nil when the best candidate is below the
// recognition threshold or nothing could be scored; Similarity is then 0.
type Result struct {
	Match      *Candidate
	Similarity float64
	Ranking    []Candidate
}

// Engine applies fixed thresholds for the lifetime of a session.
type Engine struct {
	thresholds Thresholds
	topK       int
}

// New creates an engine. topK <= 0 selects DefaultTopK.
func New(th Thresholds, topK int) *Engine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Engine{thresholds: th, topK: topK}
}

// Thresholds returns the engine's thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Similarity returns the cosine similarity of a and b clamped to [-1, 1]. ok is false when the
// vectors differ in length, are empty, or either has zero norm.
func Similarity(a, b []float32) (sim float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}

	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	if sumA == 0 || sumB == 0 {
		return 0, false
	}
	return clamp(dot / (math.Sqrt(sumA) * math.Sqrt(sumB))), true
}

// score is Similarity against an entry whose norm is already known.
func score(query []float32, qnorm float64, e index.Entry) (float64, bool) {
	if len(query) != len(e.Vector) || e.Norm == 0 {
		return 0, false
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(e.Vector[i])
	}
	s := dot / (qnorm * e.Norm)
	if math.IsNaN(s) {
		return 0, false
	}
	return clamp(s), true
}

func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// rank scores every entry and orders candidates by descending similarity, then ascending ID.
// Entries whose dimension differs from the query are left out.
func rank(query []float32, snap *index.Snapshot) []Candidate {
	qnorm := index.Norm(query)
	if qnorm == 0 || math.IsNaN(qnorm) {
		return nil
	}

	entries := snap.Entries()
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		s, ok := score(query, qnorm, e)
		if !ok {
			continue
		}
		out = append(out, Candidate{ID: e.ID, Name: e.Name, Similarity: s})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Recognize finds the identity in snap closest to query.
func (e *Engine) Recognize(query []float32, snap *index.Snapshot) Result {
	ranking := rank(query, snap)
	if len(ranking) > e.topK {
		ranking = ranking[:e.topK]
	}

	res := Result{Ranking: ranking}
	if len(ranking) > 0 && ranking[0].Similarity >= e.thresholds.Recognition {
		best := ranking[0]
		res.Match = &best
		res.Similarity = best.Similarity
	}
	return res
}

// Verify checks query against the claimed identity only, using the verification threshold.
func (e *Engine) Verify(query []float32, claimedID int64, snap *index.Snapshot) (bool, float64, error) {
	entry, ok := snap.Lookup(claimedID)
	if !ok {
		return false, 0, fmt.Errorf("verify identity %d: %w", claimedID, apperr.ErrIdentityNotFound)
	}
	if len(query) != len(entry.Vector) {
		return false, 0, fmt.Errorf("verify identity %d: query has %d dimensions, want %d: %w",
			claimedID, len(query), len(entry.Vector), apperr.ErrInput)
	}

	qnorm := index.Norm(query)
	if qnorm == 0 {
		return false, 0, nil
	}
	sim, ok := score(query, qnorm, entry)
	if !ok {
		return false, 0, nil
	}
	return sim >= e.thresholds.Verification, sim, nil
}

// FindSimilar returns up to topK candidates with similarity of at least minSimilarity. topK <= 0
// uses the engine's ranking length.
func (e *Engine) FindSimilar(query []float32, snap *index.Snapshot, topK int, minSimilarity float64) []Candidate {
	if topK <= 0 {
		topK = e.topK
	}
	ranking := rank(query, snap)
	out := make([]Candidate, 0, topK)
	for _, c := range ranking {
		if len(out) >= topK {
			break
		}
		if c.Similarity < minSimilarity {
			break
		}
		out = append(out, c)
	}
	return out
}
