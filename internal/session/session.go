// Package session owns the lifecycle of a scanning session: the identity snapshot, the camera
// handle, the pipeline and its status publisher.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/index"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/status"
	"github.com/andresmejia3/rollcall/internal/types"
)

// CameraSource acquires a camera for a new session. capture.Opener implements it.
type CameraSource interface {
	Acquire(ctx context.Context) (capture.Camera, int, error)
}

// Deps are the collaborators shared by every session of a manager.
type Deps struct {
	Identities index.IdentitySource
	Attendance attendance.Store
	Cameras    CameraSource
	Detector   pipeline.Detector
	Embedder   pipeline.Embedder
	Renderer   pipeline.Renderer
	Observer   pipeline.Observer
	Logger     *slog.Logger
}

// Config holds the per-session tunables. They are fixed when a session starts.
type Config struct {
	Thresholds        matcher.Thresholds
	TopK              int
	ModelTimeout      time.Duration
	MinFaceConfidence float64
	SourceID          string
	Location          *time.Location
	Clock             func() time.Time
}

// Status is what pollers see.
type Status struct {
	Active      bool          `json:"active"`
	SessionID   string        `json:"session_id,omitempty"`
	CameraIndex int           `json:"camera_index"`
	Registered  int           `json:"registered"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	Outcome     types.Outcome `json:"outcome"`
}

type session struct {
	id          string
	camera      capture.Camera
	cameraIndex int
	snapshot    *index.Snapshot
	pipeline    *pipeline.Pipeline
	publisher   *status.Publisher
	startedAt   time.Time
}

// Manager allows at most one active session at a time.
type Manager struct {
	deps  Deps
	cfg   Config
	guard *attendance.Guard

	mu       sync.Mutex
	active   *session
	starting bool
	idle     *status.Publisher

	frameMu sync.Mutex
}

// NewManager creates a manager with no active session.
func NewManager(deps Deps, cfg Config) *Manager {
	deps.Logger = logging.OrDefault(deps.Logger)
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	opts := []attendance.Option{
		attendance.WithLogger(deps.Logger),
		attendance.WithLocation(cfg.Location),
		attendance.WithClock(cfg.Clock),
	}
	return &Manager{
		deps:  deps,
		cfg:   cfg,
		guard: attendance.NewGuard(deps.Attendance, opts...),
		idle:  status.NewPublisher(),
	}
}

// Guard returns the attendance guard shared by all sessions.
func (m *Manager) Guard() *attendance.Guard {
	return m.guard
}

// Start loads the identity snapshot, opens a camera and begins a session. It returns the number
// of identities available for matching. The manager lock is not held while loading or acquiring
// the camera, so status polls stay responsive; a second Start during that window gets
// apperr.ErrSessionActive.
func (m *Manager) Start(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.active != nil || m.starting {
		m.mu.Unlock()
		return 0, apperr.ErrSessionActive
	}
	m.starting = true
	m.mu.Unlock()

	s, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	m.active = s

	m.deps.Logger.Info("scanning session started",
		slog.String("session_id", s.id),
		slog.Int("camera_index", s.cameraIndex),
		slog.Int("registered", s.snapshot.Len()),
		slog.Int("skipped", s.snapshot.Skipped()))
	return s.snapshot.Len(), nil
}

func (m *Manager) open(ctx context.Context) (*session, error) {
	snap, err := index.Load(ctx, m.deps.Identities, types.EmbeddingDim, m.deps.Logger)
	if err != nil {
		return nil, err
	}
	if snap.Len() == 0 {
		return nil, apperr.ErrEmptyIndex
	}

	cam, camIdx, err := m.deps.Cameras.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	sourceID := m.cfg.SourceID
	if sourceID == "" {
		sourceID = fmt.Sprintf("camera-%d", camIdx)
	}

	pub := status.NewPublisher()
	p, err := pipeline.New(pipeline.Deps{
		Camera:   cam,
		Detector: m.deps.Detector,
		Embedder: m.deps.Embedder,
		Engine:   matcher.New(m.cfg.Thresholds, m.cfg.TopK),
		Snapshot: snap,
		Marker:   m.guard,
		Writer:   pub.Writer(),
		Renderer: m.deps.Renderer,
		Observer: m.deps.Observer,
		Logger:   m.deps.Logger,
	}, pipeline.Config{
		SourceID:          sourceID,
		ModelTimeout:      m.cfg.ModelTimeout,
		MinFaceConfidence: m.cfg.MinFaceConfidence,
	})
	if err != nil {
		cam.Close()
		return nil, err
	}

	return &session{
		id:          uuid.NewString(),
		camera:      cam,
		cameraIndex: camIdx,
		snapshot:    snap,
		pipeline:    p,
		publisher:   pub,
		startedAt:   m.cfg.Clock(),
	}, nil
}

// Stop releases the camera and ends the session. A frame already in flight may still finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.active
	if s == nil {
		return apperr.ErrSessionInactive
	}
	m.active = nil

	err := s.camera.Close()
	m.deps.Logger.Info("scanning session stopped", slog.String("session_id", s.id))
	if err != nil {
		return fmt.Errorf("release camera: %w", err)
	}
	return nil
}

// ProcessOneFrame runs a single pipeline cycle. Concurrent calls are serialized.
func (m *Manager) ProcessOneFrame(ctx context.Context) (*pipeline.FrameResult, error) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	if s == nil {
		return nil, apperr.ErrSessionInactive
	}

	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	return s.pipeline.ProcessFrame(ctx)
}

// CurrentStatus reports whether a session is running and its latest outcome.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	if s == nil {
		return Status{CameraIndex: -1, Outcome: m.idle.Current()}
	}
	return Status{
		Active:      true,
		SessionID:   s.id,
		CameraIndex: s.cameraIndex,
		Registered:  s.snapshot.Len(),
		StartedAt:   s.startedAt,
		Outcome:     s.publisher.Current(),
	}
}

// Snapshot returns the identity snapshot of the active session, or nil.
func (m *Manager) Snapshot() *index.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.snapshot
}
