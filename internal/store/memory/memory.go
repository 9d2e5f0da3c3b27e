// Package memory is an in-process implementation of the store interfaces used in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
)

type attendanceKey struct {
	identityID int64
	date       string
}

// Store keeps identities and attendance rows in maps guarded by a mutex.
type Store struct {
	mu         sync.Mutex
	identities map[int64]types.Identity
	attendance []types.AttendanceRecord
	present    map[attendanceKey]struct{}
	nextID     int64
	nextRowID  int64
	unique     bool
	now        func() time.Time
}

// New returns an empty store that enforces one attendance row per identity and date.
func New() *Store {
	return &Store{
		identities: make(map[int64]types.Identity),
		present:    make(map[attendanceKey]struct{}),
		unique:     true,
		now:        time.Now,
	}
}

// NewWithoutUniqueness returns a store whose InsertAttendance never rejects duplicates. It models
// a backend lacking the (identity, date) constraint.
func NewWithoutUniqueness() *Store {
	s := New()
	s.unique = false
	return s
}

// ListIdentities returns copies of all identities ordered by ID.
func (s *Store) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		id.Vector = append([]float32(nil), id.Vector...)
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListRegistered returns identities without their vectors.
func (s *Store) ListRegistered(ctx context.Context) ([]types.Identity, error) {
	ids, _ := s.ListIdentities(ctx)
	for i := range ids {
		ids[i].Vector = nil
	}
	return ids, nil
}

// AddIdentity inserts an identity with an arbitrary vector, bypassing validation. The returned ID
// is assigned by the store.
func (s *Store) AddIdentity(name string, vec []float32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.identities[s.nextID] = types.Identity{
		ID:        s.nextID,
		Name:      name,
		Vector:    append([]float32(nil), vec...),
		UpdatedAt: s.now(),
	}
	return s.nextID
}

// UpsertIdentityByName replaces the vector of the identity called name, or creates it.
func (s *Store) UpsertIdentityByName(ctx context.Context, name string, vec []float32) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.identities {
		if existing.Name == name {
			existing.Vector = append([]float32(nil), vec...)
			existing.UpdatedAt = s.now()
			s.identities[id] = existing
			return id, false, nil
		}
	}

	s.nextID++
	s.identities[s.nextID] = types.Identity{
		ID:        s.nextID,
		Name:      name,
		Vector:    append([]float32(nil), vec...),
		UpdatedAt: s.now(),
	}
	return s.nextID, true, nil
}

// RenameIdentity changes the name of an identity.
func (s *Store) RenameIdentity(ctx context.Context, id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("rename identity %d: %w", id, apperr.ErrIdentityNotFound)
	}
	for other, o := range s.identities {
		if other != id && o.Name == name {
			return fmt.Errorf("rename identity %d: name %q already taken: %w", id, name, apperr.ErrInput)
		}
	}
	existing.Name = name
	s.identities[id] = existing
	return nil
}

// HasAttendance reports whether a row exists for the identity on date.
func (s *Store) HasAttendance(ctx context.Context, identityID int64, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.present[attendanceKey{identityID, date}]
	return ok, nil
}

// InsertAttendance appends a row. With uniqueness enabled an existing (identity, date) row makes
// it return false.
func (s *Store) InsertAttendance(ctx context.Context, rec types.AttendanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := attendanceKey{rec.IdentityID, rec.Date}
	if _, ok := s.present[k]; ok && s.unique {
		return false, nil
	}

	s.nextRowID++
	rec.ID = s.nextRowID
	rec.CreatedAt = s.now()
	s.attendance = append(s.attendance, rec)
	s.present[k] = struct{}{}
	return true, nil
}

// AttendanceByDate returns the rows recorded for date in insertion order.
func (s *Store) AttendanceByDate(ctx context.Context, date string) ([]types.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AttendanceRecord
	for _, rec := range s.attendance {
		if rec.Date == date {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Reset clears all data.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities = make(map[int64]types.Identity)
	s.present = make(map[attendanceKey]struct{})
	s.attendance = nil
	s.nextID = 0
	s.nextRowID = 0
	return nil
}
