package matcher

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/index"
	"github.com/andresmejia3/rollcall/internal/types"
)

// withSimilarity returns a unit vector whose cosine similarity to the first basis vector is s.
func withSimilarity(dim int, s float64) []float32 {
	v := make([]float32, dim)
	v[0] = float32(s)
	v[1] = float32(math.Sqrt(1 - s*s))
	return v
}

func basis(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []float32
		want   float64
		wantOK bool
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1, true},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1, true},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0, true},
		{"scaled", []float32{1, 1}, []float32{5, 5}, 1, true},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0, false},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0, false},
		{"empty", nil, nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Similarity(tt.a, tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestSimilarity_SelfAndSymmetry(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		a := randomVector(r, types.EmbeddingDim)
		b := randomVector(r, types.EmbeddingDim)

		self, ok := Similarity(a, a)
		require.True(t, ok)
		assert.InDelta(t, 1.0, self, 1e-4)

		ab, _ := Similarity(a, b)
		ba, _ := Similarity(b, a)
		assert.Equal(t, ab, ba)
		assert.LessOrEqual(t, ab, 1.0)
		assert.GreaterOrEqual(t, ab, -1.0)
	}
}

func TestRecognize_MatchAboveThreshold(t *testing.T) {
	dim := types.EmbeddingDim
	snap := index.New([]index.Entry{
		{ID: 1, Name: "Alice", Vector: withSimilarity(dim, 0.91)},
		{ID: 2, Name: "Bob", Vector: withSimilarity(dim, 0.30)},
	}, dim)

	e := New(DefaultThresholds(), 0)
	res := e.Recognize(basis(dim, 0), snap)

	require.NotNil(t, res.Match)
	assert.Equal(t, int64(1), res.Match.ID)
	assert.Equal(t, "Alice", res.Match.Name)
	assert.InDelta(t, 0.91, res.Similarity, 1e-5)
	assert.InDelta(t, 0.09, res.Match.Distance(), 1e-5)
	require.Len(t, res.Ranking, 2)
	assert.Equal(t, int64(2), res.Ranking[1].ID)
}

func TestRecognize_BelowThresholdIsUnknown(t *testing.T) {
	dim := types.EmbeddingDim
	snap := index.New([]index.Entry{
		{ID: 1, Name: "Alice", Vector: withSimilarity(dim, 0.50)},
	}, dim)

	res := New(DefaultThresholds(), 0).Recognize(basis(dim, 0), snap)

	assert.Nil(t, res.Match)
	assert.Zero(t, res.Similarity)
	require.Len(t, res.Ranking, 1)
	assert.InDelta(t, 0.50, res.Ranking[0].Similarity, 1e-5)
}

func TestRecognize_ThresholdBoundary(t *testing.T) {
	dim := 4
	stored := []float32{3, 4, 0, 0}
	query := []float32{3, 4, 0, 0}
	snap := index.New([]index.Entry{{ID: 9, Name: "Exact", Vector: stored}}, dim)

	sim, ok := Similarity(query, stored)
	require.True(t, ok)

	atThreshold := New(Thresholds{Recognition: sim, Verification: sim}, 0)
	assert.NotNil(t, atThreshold.Recognize(query, snap).Match, "similarity equal to threshold must match")

	above := New(Thresholds{Recognition: math.Nextafter(sim, 2), Verification: 1}, 0)
	assert.Nil(t, above.Recognize(query, snap).Match)
}

func TestRecognize_EmptyIndex(t *testing.T) {
	e := New(DefaultThresholds(), 0)

	for _, snap := range []*index.Snapshot{nil, index.New(nil, types.EmbeddingDim)} {
		res := e.Recognize(basis(types.EmbeddingDim, 0), snap)
		assert.Nil(t, res.Match)
		assert.Empty(t, res.Ranking)
	}
}

func TestRecognize_SkipsDimensionMismatch(t *testing.T) {
	snap := index.New([]index.Entry{
		{ID: 1, Name: "Short", Vector: []float32{1, 0}},
		{ID: 2, Name: "Right", Vector: []float32{1, 0, 0, 0}},
	}, 4)

	res := New(DefaultThresholds(), 0).Recognize([]float32{1, 0, 0, 0}, snap)

	require.Len(t, res.Ranking, 1)
	require.NotNil(t, res.Match)
	assert.Equal(t, int64(2), res.Match.ID)
}

func TestRecognize_ZeroQuery(t *testing.T) {
	snap := index.New([]index.Entry{{ID: 1, Name: "Alice", Vector: []float32{1, 0}}}, 2)

	res := New(DefaultThresholds(), 0).Recognize([]float32{0, 0}, snap)

	assert.Nil(t, res.Match)
	assert.Empty(t, res.Ranking)
}

func TestRecognize_TieBreaksOnLowerID(t *testing.T) {
	v := []float32{0.6, 0.8, 0}
	snap := index.New([]index.Entry{
		{ID: 42, Name: "Twin B", Vector: v},
		{ID: 7, Name: "Twin A", Vector: v},
		{ID: 3, Name: "Other", Vector: []float32{0, 0, 1}},
	}, 3)

	e := New(DefaultThresholds(), 0)
	for i := 0; i < 10; i++ {
		res := e.Recognize(v, snap)
		require.NotNil(t, res.Match)
		assert.Equal(t, int64(7), res.Match.ID)
		assert.Equal(t, []int64{7, 42, 3}, ids(res.Ranking))
	}
}

func TestRecognize_Deterministic(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	dim := types.EmbeddingDim
	entries := make([]index.Entry, 30)
	for i := range entries {
		entries[i] = index.Entry{ID: int64(i + 1), Name: "p", Vector: randomVector(r, dim)}
	}
	snap := index.New(entries, dim)
	query := randomVector(r, dim)

	e := New(Thresholds{Recognition: 0, Verification: 0}, 0)
	first := e.Recognize(query, snap)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Recognize(query, snap))
	}
}

func TestRecognize_TopK(t *testing.T) {
	dim := 8
	entries := make([]index.Entry, 8)
	for i := range entries {
		entries[i] = index.Entry{ID: int64(i + 1), Name: "p", Vector: basis(dim, i)}
	}
	snap := index.New(entries, dim)
	query := []float32{8, 7, 6, 5, 4, 3, 2, 1}

	res := New(DefaultThresholds(), 0).Recognize(query, snap)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(res.Ranking))

	res = New(DefaultThresholds(), 2).Recognize(query, snap)
	assert.Equal(t, []int64{1, 2}, ids(res.Ranking))
}

func TestVerify(t *testing.T) {
	dim := types.EmbeddingDim
	snap := index.New([]index.Entry{
		{ID: 1, Name: "Alice", Vector: withSimilarity(dim, 0.70)},
		{ID: 2, Name: "Bob", Vector: withSimilarity(dim, 0.95)},
	}, dim)
	e := New(DefaultThresholds(), 0)
	query := basis(dim, 0)

	// 0.70 clears recognition but not the stricter verification threshold.
	passed, sim, err := e.Verify(query, 1, snap)
	require.NoError(t, err)
	assert.False(t, passed)
	assert.InDelta(t, 0.70, sim, 1e-5)

	passed, sim, err = e.Verify(query, 2, snap)
	require.NoError(t, err)
	assert.True(t, passed)
	assert.InDelta(t, 0.95, sim, 1e-5)

	_, _, err = e.Verify(query, 99, snap)
	assert.ErrorIs(t, err, apperr.ErrIdentityNotFound)

	_, _, err = e.Verify([]float32{1, 0}, 1, snap)
	assert.ErrorIs(t, err, apperr.ErrInput)
}

func TestFindSimilar(t *testing.T) {
	dim := types.EmbeddingDim
	snap := index.New([]index.Entry{
		{ID: 1, Name: "A", Vector: withSimilarity(dim, 0.9)},
		{ID: 2, Name: "B", Vector: withSimilarity(dim, 0.8)},
		{ID: 3, Name: "C", Vector: withSimilarity(dim, 0.4)},
		{ID: 4, Name: "D", Vector: withSimilarity(dim, 0.85)},
	}, dim)
	e := New(DefaultThresholds(), 0)

	got := e.FindSimilar(basis(dim, 0), snap, 10, 0.6)
	assert.Equal(t, []int64{1, 4, 2}, ids(got))

	got = e.FindSimilar(basis(dim, 0), snap, 1, 0.6)
	assert.Equal(t, []int64{1}, ids(got))

	assert.Empty(t, e.FindSimilar(basis(dim, 0), snap, 5, 0.95))
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Recognition: -0.1, Verification: 0.5}.Validate())
	assert.Error(t, Thresholds{Recognition: 0.5, Verification: 1.5}.Validate())
}

func ids(cs []Candidate) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
