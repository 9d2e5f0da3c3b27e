// Package pipeline runs one capture, detect, embed, match and mark cycle per call and publishes
// the resulting outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/index"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/status"
	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultModelTimeout bounds each detector and embedder call.
const DefaultModelTimeout = 5 * time.Second

// Camera yields encoded frames.
type Camera interface {
	Read(ctx context.Context) ([]byte, error)
}

// Detector finds the most prominent face in a frame. It returns nil, nil when there is none.
type Detector interface {
	Detect(ctx context.Context, frame []byte) (*types.Face, error)
}

// Embedder turns a detected face into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, face *types.Face) ([]float32, error)
}

// Marker records attendance. attendance.Guard implements it.
type Marker interface {
	Mark(ctx context.Context, identityID int64, name, sourceID string, confidence float64) (bool, error)
}

// Renderer annotates a frame with the outcome.
type Renderer interface {
	Render(frame []byte, face *types.Face, o types.Outcome) ([]byte, error)
}

// Observer receives per-frame measurements.
type Observer interface {
	ObserveFrame(status types.Status, elapsed time.Duration)
	ObserveModelError(stage string)
}

// State is a step of the per-frame state machine.
type State string

const (
	StateWaiting           State = "waiting"
	StateDetecting         State = "detecting"
	StateFaceFound         State = "face_found"
	StateNoFace            State = "no_face"
	StateEmbeddingComputed State = "embedding_computed"
	StateMatched           State = "matched"
	StateUnmatched         State = "unmatched"
	StateMarked            State = "marked"
	StateAlreadyPresent    State = "already_present"
	StateUnknown           State = "unknown"
)

// FrameResult describes one processed frame.
type FrameResult struct {
	Outcome   types.Outcome
	Trail     []State
	Face      *types.Face
	Ranking   []matcher.Candidate
	Annotated []byte
}

// Deps are the collaborators of a pipeline. Renderer and Observer are optional.
type Deps struct {
	Camera   Camera
	Detector Detector
	Embedder Embedder
	Engine   *matcher.Engine
	Snapshot *index.Snapshot
	Marker   Marker
	Writer   *status.Writer
	Renderer Renderer
	Observer Observer
	Logger   *slog.Logger
}

// Config tunes a pipeline.
type Config struct {
	SourceID          string
	ModelTimeout      time.Duration
	MinFaceConfidence float64
}

// Pipeline is bound to one session snapshot and one status writer.
type Pipeline struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// New validates deps and returns a pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Camera == nil:
		return nil, errors.New("pipeline: camera is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Embedder == nil:
		return nil, errors.New("pipeline: embedder is required")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: matching engine is required")
	case deps.Marker == nil:
		return nil, errors.New("pipeline: attendance marker is required")
	case deps.Writer == nil:
		return nil, errors.New("pipeline: status writer is required")
	}
	deps.Logger = logging.OrDefault(deps.Logger)
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	return &Pipeline{deps: deps, cfg: cfg, now: time.Now}, nil
}

// ProcessFrame runs a single cycle. A missing frame returns apperr.ErrNoFrame and leaves the
// published outcome untouched, as does a failing attendance store.
func (p *Pipeline) ProcessFrame(ctx context.Context) (*FrameResult, error) {
	start := p.now()
	res := &FrameResult{Trail: []State{StateWaiting}}

	frame, err := p.deps.Camera.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read frame: %w", wrapNoFrame(err))
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("read frame: %w", apperr.ErrNoFrame)
	}

	res.Trail = append(res.Trail, StateDetecting)
	face, err := call(ctx, p.cfg.ModelTimeout, func(ctx context.Context) (*types.Face, error) {
		return p.deps.Detector.Detect(ctx, frame)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		p.modelError("detect", err)
		face = nil
	}
	if face != nil && face.Confidence < p.cfg.MinFaceConfidence {
		p.deps.Logger.Debug("face below confidence floor", slog.Float64("confidence", face.Confidence))
		face = nil
	}
	if face == nil {
		res.Trail = append(res.Trail, StateNoFace, StateWaiting)
		return p.finish(res, frame, p.waiting(), start), nil
	}
	res.Face = face
	res.Trail = append(res.Trail, StateFaceFound)

	vec, err := call(ctx, p.cfg.ModelTimeout, func(ctx context.Context) ([]float32, error) {
		return p.deps.Embedder.Embed(ctx, face)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil && len(vec) != types.EmbeddingDim {
		err = fmt.Errorf("embedding has %d dimensions, want %d: %w", len(vec), types.EmbeddingDim, apperr.ErrModel)
	}
	if err != nil {
		p.modelError("embed", err)
		res.Trail = append(res.Trail, StateWaiting)
		return p.finish(res, frame, p.waiting(), start), nil
	}
	res.Trail = append(res.Trail, StateEmbeddingComputed)

	match := p.deps.Engine.Recognize(vec, p.deps.Snapshot)
	res.Ranking = match.Ranking
	if match.Match == nil {
		res.Trail = append(res.Trail, StateUnmatched, StateUnknown)
		o := types.Outcome{Status: types.StatusUnknown, Similarity: 0, Distance: 1, Timestamp: p.now()}
		return p.finish(res, frame, o, start), nil
	}
	res.Trail = append(res.Trail, StateMatched)

	best := match.Match
	created, err := p.deps.Marker.Mark(ctx, best.ID, best.Name, p.cfg.SourceID, best.Similarity)
	if err != nil {
		return nil, fmt.Errorf("mark attendance for identity %d: %w", best.ID, err)
	}

	o := types.Outcome{
		IdentityID: best.ID,
		Name:       best.Name,
		Similarity: best.Similarity,
		Distance:   best.Distance(),
		Timestamp:  p.now(),
	}
	if created {
		o.Status = types.StatusMarked
		res.Trail = append(res.Trail, StateMarked)
	} else {
		o.Status = types.StatusAlreadyPresent
		res.Trail = append(res.Trail, StateAlreadyPresent)
	}
	return p.finish(res, frame, o, start), nil
}

func (p *Pipeline) waiting() types.Outcome {
	return types.Outcome{Status: types.StatusWaiting, Distance: 1, Timestamp: p.now()}
}

func (p *Pipeline) finish(res *FrameResult, frame []byte, o types.Outcome, start time.Time) *FrameResult {
	res.Outcome = o
	p.deps.Writer.Publish(o)

	if p.deps.Renderer != nil {
		annotated, err := p.deps.Renderer.Render(frame, res.Face, o)
		if err != nil {
			p.deps.Logger.Warn("failed to annotate frame", slog.Any("error", err))
		} else {
			res.Annotated = annotated
		}
	}
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveFrame(o.Status, p.now().Sub(start))
	}

	p.deps.Logger.Debug("frame processed",
		slog.String("status", string(o.Status)),
		slog.Int64("identity_id", o.IdentityID),
		slog.Float64("confidence", o.Similarity))
	return res
}

func (p *Pipeline) modelError(stage string, err error) {
	p.deps.Logger.Warn("model call failed, waiting for next frame",
		slog.String("stage", stage),
		slog.Any("error", err))
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveModelError(stage)
	}
}

// call runs fn with a deadline and gives up on it when the deadline passes even if fn ignores
// its context.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && !errors.Is(r.err, apperr.ErrModel) {
			r.err = fmt.Errorf("%w: %w", apperr.ErrModel, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", apperr.ErrModel, ctx.Err())
	}
}

func wrapNoFrame(err error) error {
	if errors.Is(err, apperr.ErrNoFrame) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrNoFrame, err)
}
