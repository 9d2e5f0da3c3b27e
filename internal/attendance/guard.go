// Package attendance records at most one attendance event per identity per calendar day.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Store persists attendance rows. InsertAttendance must be atomic with respect to the
// (identity, date) key: when a row already exists it reports inserted=false instead of failing.
type Store interface {
	HasAttendance(ctx context.Context, identityID int64, date string) (bool, error)
	InsertAttendance(ctx context.Context, rec types.AttendanceRecord) (inserted bool, err error)
}

// RecordLister returns every attendance row for a date.
type RecordLister interface {
	AttendanceByDate(ctx context.Context, date string) ([]types.AttendanceRecord, error)
}

type key struct {
	identityID int64
	date       string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Guard is the check-then-insert gate in front of the attendance table.
type Guard struct {
	store  Store
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger

	mu    sync.Mutex
	locks map[key]*keyLock
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLocation sets the zone used to derive the attendance date.
func WithLocation(loc *time.Location) Option {
	return func(g *Guard) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard creates a guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		now:    time.Now,
		loc:    time.Local,
		logger: slog.Default(),
		locks:  make(map[key]*keyLock),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Today returns the current attendance date.
func (g *Guard) Today() string {
	return g.now().In(g.loc).Format(types.DateLayout)
}

// Mark records attendance for the identity today. It returns true when a new row was written and
// false when the identity was already present for the day.
func (g *Guard) Mark(ctx context.Context, identityID int64, name, sourceID string, confidence float64) (bool, error) {
	now := g.now().In(g.loc)
	k := key{identityID: identityID, date: now.Format(types.DateLayout)}

	l := g.acquire(k)
	defer g.release(k, l)

	return g.mark(ctx, now, k, name, sourceID, confidence)
}

func (g *Guard) mark(ctx context.Context, now time.Time, k key, name, sourceID string, confidence float64) (bool, error) {
	present, err := g.store.HasAttendance(ctx, k.identityID, k.date)
	if err != nil {
		return false, storeErr("check attendance", err)
	}
	if present {
		return false, nil
	}

	inserted, err := g.store.InsertAttendance(ctx, types.AttendanceRecord{
		IdentityID: k.identityID,
		Name:       name,
		Date:       k.date,
		TimeOfDay:  now.Format(types.TimeLayout),
		SourceID:   sourceID,
		Confidence: confidence,
	})
	if err != nil {
		return false, storeErr("insert attendance", err)
	}
	if inserted {
		g.logger.Info("attendance marked",
			slog.Int64("identity_id", k.identityID),
			slog.String("name", name),
			slog.String("date", k.date),
			slog.Float64("confidence", confidence))
	}
	return inserted, nil
}

func (g *Guard) acquire(k key) *keyLock {
	g.mu.Lock()
	l, ok := g.locks[k]
	if !ok {
		l = &keyLock{}
		g.locks[k] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return l
}

func (g *Guard) release(k key, l *keyLock) {
	l.mu.Unlock()

	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, k)
	}
	g.mu.Unlock()
}

func storeErr(op string, err error) error {
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStoreUnavailable, err)
}

// Summarize lists everyone present on date, ordered by time of arrival.
func Summarize(ctx context.Context, src RecordLister, date string) (*types.AttendanceSummary, error) {
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		return nil, fmt.Errorf("attendance date %q: %w", date, apperr.ErrInput)
	}

	records, err := src.AttendanceByDate(ctx, date)
	if err != nil {
		return nil, storeErr("attendance summary", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].TimeOfDay != records[j].TimeOfDay {
			return records[i].TimeOfDay < records[j].TimeOfDay
		}
		return records[i].IdentityID < records[j].IdentityID
	})
	return &types.AttendanceSummary{Date: date, TotalPresent: len(records), Records: records}, nil
}
