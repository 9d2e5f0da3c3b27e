package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
)

// newTestStore starts a pgvector Postgres container. It requires Docker.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the Docker socket is missing.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func axis(i int) []float32 {
	v := make([]float32, types.EmbeddingDim)
	v[i] = 1
	return v
}

func TestStoreIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// --- Identities ---

	aliceID, created, err := s.UpsertIdentityByName(ctx, "Alice", axis(0))
	if err != nil {
		t.Fatalf("UpsertIdentityByName failed: %v", err)
	}
	if !created || aliceID <= 0 {
		t.Fatalf("Expected new identity with positive ID, got id=%d created=%v", aliceID, created)
	}

	// Re-enrolling the same name replaces the vector in place.
	again, created, err := s.UpsertIdentityByName(ctx, "Alice", axis(1))
	if err != nil {
		t.Fatalf("UpsertIdentityByName (update) failed: %v", err)
	}
	if created || again != aliceID {
		t.Errorf("Expected update of %d, got id=%d created=%v", aliceID, again, created)
	}

	bobID, _, err := s.UpsertIdentityByName(ctx, "Bob", axis(2))
	if err != nil {
		t.Fatalf("UpsertIdentityByName failed: %v", err)
	}

	identities, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities failed: %v", err)
	}
	if len(identities) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(identities))
	}
	if len(identities[0].Vector) != types.EmbeddingDim || identities[0].Vector[1] != 1 {
		t.Errorf("Expected Alice's updated vector, got first values %v", identities[0].Vector[:3])
	}

	registered, err := s.ListRegistered(ctx)
	if err != nil {
		t.Fatalf("ListRegistered failed: %v", err)
	}
	if len(registered) != 2 || registered[1].Name != "Bob" || registered[1].Vector != nil {
		t.Errorf("Unexpected registered list %+v", registered)
	}

	if err := s.RenameIdentity(ctx, bobID, "Robert"); err != nil {
		t.Fatalf("RenameIdentity failed: %v", err)
	}
	if err := s.RenameIdentity(ctx, bobID, "Alice"); !errors.Is(err, apperr.ErrInput) {
		t.Errorf("Expected ErrInput for taken name, got %v", err)
	}
	if err := s.RenameIdentity(ctx, 9999, "Nobody"); !errors.Is(err, apperr.ErrIdentityNotFound) {
		t.Errorf("Expected ErrIdentityNotFound, got %v", err)
	}

	// --- Attendance ---

	rec := types.AttendanceRecord{
		IdentityID: aliceID,
		Name:       "Alice",
		Date:       "2024-03-01",
		TimeOfDay:  "09:00:00",
		SourceID:   "camera-0",
		Confidence: 0.91,
	}
	inserted, err := s.InsertAttendance(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("InsertAttendance failed: inserted=%v err=%v", inserted, err)
	}

	present, err := s.HasAttendance(ctx, aliceID, "2024-03-01")
	if err != nil || !present {
		t.Errorf("Expected Alice present, got present=%v err=%v", present, err)
	}

	rec.TimeOfDay = "09:05:00"
	inserted, err = s.InsertAttendance(ctx, rec)
	if err != nil {
		t.Fatalf("InsertAttendance (duplicate) failed: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate attendance to be rejected")
	}

	if _, err := s.InsertAttendance(ctx, types.AttendanceRecord{
		IdentityID: bobID, Name: "Robert", Date: "2024-03-01", TimeOfDay: "08:30:00", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("InsertAttendance failed: %v", err)
	}

	rows, err := s.AttendanceByDate(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("AttendanceByDate failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].Name != "Robert" || rows[1].TimeOfDay != "09:00:00" || rows[1].Date != "2024-03-01" {
		t.Errorf("Unexpected rows %+v", rows)
	}

	// --- Reset ---

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListIdentities(ctx); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("Expected store error after dropping tables, got %v", err)
	}
}

func TestInsertAttendance_ConcurrentSingleRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertIdentityByName(ctx, "Grace", axis(3))
	if err != nil {
		t.Fatalf("UpsertIdentityByName failed: %v", err)
	}

	const writers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.InsertAttendance(ctx, types.AttendanceRecord{
				IdentityID: id,
				Name:       "Grace",
				Date:       "2024-03-01",
				TimeOfDay:  fmt.Sprintf("09:00:%02d", i),
				Confidence: 0.9,
			})
			if err != nil {
				t.Errorf("InsertAttendance failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("Expected exactly 1 insert, got %d", inserted)
	}
}

func TestNew_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, "postgres://nobody@127.0.0.1:1/none?connect_timeout=1")
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
