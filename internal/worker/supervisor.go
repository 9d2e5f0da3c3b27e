package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// SpawnFunc starts a fresh model process.
type SpawnFunc func(id int) (*PythonWorker, error)

// Supervisor hands calls to a PythonWorker and replaces it once it breaks, so one hung
// inference does not take the model down for the rest of the run.
type Supervisor struct {
	spawn  SpawnFunc
	logger *slog.Logger

	mu     sync.Mutex
	w      *PythonWorker
	nextID int
}

// NewSupervisor starts the first worker immediately so configuration errors surface at startup.
func NewSupervisor(spawn SpawnFunc, logger *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{spawn: spawn, logger: logging.OrDefault(logger)}
	w, err := spawn(0)
	if err != nil {
		return nil, err
	}
	s.w = w
	s.nextID = 1
	return s, nil
}

func (s *Supervisor) current() (*PythonWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w != nil && !s.w.Broken() {
		return s.w, nil
	}
	if s.w != nil {
		old := s.w
		s.w = nil
		_ = old.Close()
		s.logger.Warn("model worker broken, restarting", "worker", old.ID)
	}

	w, err := s.spawn(s.nextID)
	s.nextID++
	if err != nil {
		return nil, fmt.Errorf("%w: restart worker: %w", apperr.ErrModel, err)
	}
	s.w = w
	return w, nil
}

// Detect runs face detection on the live worker.
func (s *Supervisor) Detect(ctx context.Context, frame []byte) (*types.Face, error) {
	w, err := s.current()
	if err != nil {
		return nil, err
	}
	return w.Detect(ctx, frame)
}

// Embed computes an embedding on the live worker.
func (s *Supervisor) Embed(ctx context.Context, face *types.Face) ([]float32, error) {
	w, err := s.current()
	if err != nil {
		return nil, err
	}
	return w.Embed(ctx, face)
}

// Cmd returns the process of the live worker, for error reporting. It may be nil.
func (s *Supervisor) Cmd() *utils.SafeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.Cmd
}

// Close stops the live worker.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}
