package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/metrics"
	"github.com/andresmejia3/rollcall/internal/overlay"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// ScanOptions holds the flags of the scan command.
type ScanOptions struct {
	PollRate    float64
	Cameras     string
	FramesDir   string
	Loop        bool
	MaxFrames   int
	SnapshotDir string
	MetricsAddr string
	SourceID    string
}

var scanOpts ScanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Watch a camera and mark attendance for recognized faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyScanFlags(cmd, Cfg); err != nil {
			utils.ShowError("Invalid scan options", err, nil)
			return err
		}
		return runScan(cmd.Context())
	},
}

func init() {
	scanCmd.Flags().Float64VarP(&scanOpts.PollRate, "fps", "f", 0, "Frames processed per second (default from config)")
	scanCmd.Flags().StringVar(&scanOpts.Cameras, "camera", "", "Comma separated camera indices to try in order (default 0,1,2)")
	scanCmd.Flags().StringVar(&scanOpts.FramesDir, "frames-dir", "", "Replay JPEG files from a directory instead of a camera")
	scanCmd.Flags().BoolVar(&scanOpts.Loop, "loop", false, "Restart --frames-dir after the last file")
	scanCmd.Flags().IntVarP(&scanOpts.MaxFrames, "max-frames", "n", 0, "Stop after this many frames (0 = until interrupted)")
	scanCmd.Flags().StringVar(&scanOpts.SnapshotDir, "snapshot-dir", "", "Save annotated frames whenever the status changes")
	scanCmd.Flags().StringVar(&scanOpts.MetricsAddr, "metrics-addr", "", "Serve /metrics and /status on this address")
	scanCmd.Flags().StringVar(&scanOpts.SourceID, "source-id", "", "Camera identifier stored with attendance rows")
	rootCmd.AddCommand(scanCmd)
}

// applyScanFlags folds explicitly set flags into cfg.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) error {
	if scanOpts.PollRate > 0 {
		cfg.Scan.PollRate = scanOpts.PollRate
	}
	if scanOpts.Cameras != "" {
		indices, err := config.ParseIndices(scanOpts.Cameras)
		if err != nil {
			return err
		}
		cfg.Camera.Indices = indices
	}
	if scanOpts.FramesDir != "" {
		cfg.Camera.FramesDir = scanOpts.FramesDir
	}
	if scanOpts.SnapshotDir != "" {
		cfg.Scan.SnapshotDir = scanOpts.SnapshotDir
	}
	if scanOpts.MetricsAddr != "" {
		cfg.Metrics.Addr = scanOpts.MetricsAddr
	}
	if scanOpts.SourceID != "" {
		cfg.Camera.SourceID = scanOpts.SourceID
	}
	if scanOpts.MaxFrames < 0 {
		return fmt.Errorf("--max-frames must not be negative")
	}
	return cfg.Validate()
}

// frameDirSource hands out a FileCamera as camera index 0.
type frameDirSource struct {
	dir  string
	loop bool
}

func (f frameDirSource) Acquire(ctx context.Context) (capture.Camera, int, error) {
	cam, err := capture.NewFileCamera(f.dir, f.loop)
	if err != nil {
		return nil, -1, err
	}
	return cam, 0, nil
}

func cameraSource(cfg *config.Config) session.CameraSource {
	if cfg.Camera.FramesDir != "" {
		return frameDirSource{dir: cfg.Camera.FramesDir, loop: scanOpts.Loop}
	}
	return capture.NewOpener(capture.Options{
		Indices:     cfg.Camera.Indices,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
		OpenTimeout: cfg.Camera.OpenTimeout,
		ReadTimeout: cfg.Camera.ReadTimeout,
	}, Logger)
}

// runScan wires the session, the frame loop and the optional metrics server.
func runScan(ctx context.Context) error {
	loc, err := Cfg.Location()
	if err != nil {
		utils.ShowError("Invalid timezone", err, nil)
		return err
	}

	w, err := startModel()
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	exporter := metrics.New()

	var renderer pipeline.Renderer
	if Cfg.Scan.SnapshotDir != "" {
		if err := os.MkdirAll(Cfg.Scan.SnapshotDir, 0o755); err != nil {
			utils.ShowError("Failed to create snapshot directory", err, nil)
			return err
		}
		renderer = overlay.New()
	}

	mgr := session.NewManager(session.Deps{
		Identities: DB,
		Attendance: DB,
		Cameras:    cameraSource(Cfg),
		Detector:   w,
		Embedder:   w,
		Renderer:   renderer,
		Observer:   exporter,
		Logger:     Logger,
	}, session.Config{
		Thresholds: matcher.Thresholds{
			Recognition:  Cfg.Matching.RecognitionThreshold,
			Verification: Cfg.Matching.VerificationThreshold,
		},
		TopK:              Cfg.Matching.TopK,
		ModelTimeout:      Cfg.Model.Timeout,
		MinFaceConfidence: Cfg.Model.MinFaceConfidence,
		SourceID:          Cfg.Camera.SourceID,
		Location:          loc,
	})

	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	registered, err := mgr.Start(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrEmptyIndex) {
			fmt.Fprintln(os.Stderr, "❌ No identities registered. Use 'rollcall enroll' first.")
		}
		utils.ShowError("Failed to start scanning session", err, w.Cmd())
		return err
	}
	exporter.SessionStarted(registered)
	st := mgr.CurrentStatus()
	fmt.Fprintf(os.Stderr, "🎬 Session %s on camera %d with %d registered identities\n", st.SessionID[:8], st.CameraIndex, registered)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 Rollcall Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
	)

	s := &scanner{
		mgr:           mgr,
		limiter:       rate.NewLimiter(rate.Limit(Cfg.Scan.PollRate), 1),
		maxFrames:     scanOpts.MaxFrames,
		stopOnNoFrame: Cfg.Camera.FramesDir != "" && !scanOpts.Loop,
		snapshotDir:   Cfg.Scan.SnapshotDir,
		bar:           bar,
		logger:        Logger,
	}

	// The loop ending on its own (--max-frames, end of --frames-dir) must also stop the server
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.run(gctx)
	})
	if Cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              Cfg.Metrics.Addr,
			Handler:           statusMux(mgr, exporter),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			Logger.Info("metrics server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	bar.Finish()

	if err := mgr.Stop(); err != nil {
		Logger.Warn("failed to stop session", slog.Any("error", err))
	}
	exporter.SessionStopped()

	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. %d frames: %d marked, %d already present, %d unknown.\n",
		s.stats.frames, s.stats.marked, s.stats.alreadyPresent, s.stats.unknown)

	// Ctrl+C is the normal way to end a scan
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		utils.ShowError("Scan failed", runErr, w.Cmd())
		return runErr
	}

	summary, err := attendance.Summarize(context.Background(), DB, mgr.Guard().Today())
	if err == nil {
		fmt.Fprintf(os.Stderr, "📋 %d present today\n", summary.TotalPresent)
	}
	return nil
}

// statusMux serves Prometheus metrics and the current session status as JSON.
func statusMux(mgr *session.Manager, exporter *metrics.Exporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.CurrentStatus())
	})
	return mux
}

type scanStats struct {
	frames         int
	marked         int
	alreadyPresent int
	unknown        int
}

// frameProcessor is the part of session.Manager the loop needs.
type frameProcessor interface {
	ProcessOneFrame(ctx context.Context) (*pipeline.FrameResult, error)
}

// scanner polls the session at a fixed rate until the context ends.
type scanner struct {
	mgr           frameProcessor
	limiter       *rate.Limiter
	maxFrames     int
	stopOnNoFrame bool
	snapshotDir   string
	bar           *progressbar.ProgressBar
	logger        *slog.Logger

	last  types.Status
	stats scanStats
}

func (s *scanner) run(ctx context.Context) error {
	for {
		if s.maxFrames > 0 && s.stats.frames >= s.maxFrames {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		res, err := s.mgr.ProcessOneFrame(ctx)
		switch {
		case errors.Is(err, apperr.ErrNoFrame):
			if s.stopOnNoFrame {
				return nil
			}
			s.logger.Debug("no frame available", slog.Any("error", err))
			continue
		case errors.Is(err, apperr.ErrStoreUnavailable):
			// The outcome was not published; the same face gets another chance next frame.
			s.logger.Warn("attendance store unavailable", slog.Any("error", err))
			continue
		case err != nil:
			return err
		}

		s.record(res)
	}
}

func (s *scanner) record(res *pipeline.FrameResult) {
	s.stats.frames++
	o := res.Outcome
	switch o.Status {
	case types.StatusMarked:
		s.stats.marked++
	case types.StatusAlreadyPresent:
		s.stats.alreadyPresent++
	case types.StatusUnknown:
		s.stats.unknown++
	}

	if s.bar != nil {
		s.bar.Describe(describeOutcome(o))
		s.bar.Add(1)
	}

	if o.Status == types.StatusMarked {
		s.logger.Info("attendance marked",
			slog.Int64("identity_id", o.IdentityID),
			slog.String("name", o.Name),
			slog.Float64("similarity", o.Similarity))
	}

	if o.Status != s.last && o.Status != types.StatusWaiting && len(res.Annotated) > 0 && s.snapshotDir != "" {
		path := filepath.Join(s.snapshotDir, snapshotName(o))
		if err := os.WriteFile(path, res.Annotated, 0o644); err != nil {
			s.logger.Warn("failed to save snapshot", slog.String("path", path), slog.Any("error", err))
		}
	}
	s.last = o.Status
}

func describeOutcome(o types.Outcome) string {
	switch o.Status {
	case types.StatusMarked:
		return fmt.Sprintf("✅ %s marked (%.2f)", o.Name, o.Similarity)
	case types.StatusAlreadyPresent:
		return fmt.Sprintf("👋 %s already present", o.Name)
	case types.StatusUnknown:
		return "❓ Unknown face"
	default:
		return "🔍 Waiting for a face"
	}
}

func snapshotName(o types.Outcome) string {
	name := fmt.Sprintf("%s_%s", o.Timestamp.Format("20060102T150405.000"), o.Status)
	if o.IdentityID != 0 {
		name += fmt.Sprintf("_%d", o.IdentityID)
	}
	return name + ".jpg"
}
