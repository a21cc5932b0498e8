package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"salonq/internal/models"
	"salonq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCheckInConcurrencyAssignsDistinctNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	salonID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, salonID, serviceID, uuid.NewString())

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan checkInResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := st.CheckIn(ctx, store.CheckInInput{
				RequestID:     uuid.NewString(),
				SalonID:       salonID,
				CustomerName:  "Customer",
				CustomerPhone: "+6281100000000",
				ServiceIDs:    []string{serviceID},
				CheckInTime:   time.Now().UTC(),
			})
			results <- checkInResult{number: entry.QueueNumber, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("check in: %v", result.err)
		}
		if seen[result.number] {
			t.Fatalf("duplicate queue number %d", result.number)
		}
		seen[result.number] = true
	}
	for number := 1; number <= workers; number++ {
		if !seen[number] {
			t.Fatalf("missing queue number %d", number)
		}
	}
}

func TestCheckInIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	salonID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, salonID, serviceID, uuid.NewString())

	requestID := uuid.NewString()
	first := checkIn(t, ctx, st, salonID, serviceID, requestID)
	second := checkIn(t, ctx, st, salonID, serviceID, requestID)

	if first.EntryID != second.EntryID {
		t.Fatalf("expected same entry for duplicate request")
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'entry.created'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry.created event, got %d", count)
	}
}

func TestApproveRejectRace(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	salonID := uuid.NewString()
	serviceID := uuid.NewString()
	seedBaseData(t, ctx, pool, salonID, serviceID, uuid.NewString())

	entry, _, err := st.CheckIn(ctx, store.CheckInInput{
		RequestID:       uuid.NewString(),
		SalonID:         salonID,
		CustomerName:    "Customer",
		CustomerPhone:   "+6281100000001",
		ServiceIDs:      []string{serviceID},
		AppointmentDate: time.Now().UTC().Add(24 * time.Hour).Format(store.ScopeDayLayout),
		AppointmentTime: "10:00",
		CheckInTime:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if entry.Status != models.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", entry.Status)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, err := st.Approve(ctx, store.EntryActionInput{
			RequestID: uuid.NewString(),
			SalonID:   salonID,
			EntryID:   entry.EntryID,
		})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, _, err := st.Reject(ctx, store.EntryActionInput{
			RequestID: uuid.NewString(),
			SalonID:   salonID,
			EntryID:   entry.EntryID,
			Reason:    "fully booked",
		})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one action to lose, got %d failures", failures)
	}
}

type checkInResult struct {
	number int
	err    error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{AverageServiceMinutes: 15})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBaseData(t *testing.T, ctx context.Context, pool *pgxpool.Pool, salonID, serviceID, staffID string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO salons (salon_id, name, time_zone) VALUES ($1, 'Salon', 'Asia/Jakarta')
	`, salonID); err != nil {
		t.Fatalf("insert salon: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO services (service_id, salon_id, name, price, duration_minutes, active)
		VALUES ($1, $2, 'Haircut', 150, 30, true)
	`, serviceID, salonID); err != nil {
		t.Fatalf("insert service: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO staff (staff_id, salon_id, name, active) VALUES ($1, $2, 'Stylist', true)
	`, staffID, salonID); err != nil {
		t.Fatalf("insert staff: %v", err)
	}
}

func checkIn(t *testing.T, ctx context.Context, st *Store, salonID, serviceID, requestID string) models.QueueEntry {
	t.Helper()
	entry, _, err := st.CheckIn(ctx, store.CheckInInput{
		RequestID:     requestID,
		SalonID:       salonID,
		CustomerName:  "Customer",
		CustomerPhone: "+6281100000002",
		ServiceIDs:    []string{serviceID},
		CheckInTime:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	return entry
}
