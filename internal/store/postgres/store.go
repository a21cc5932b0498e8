package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"salonq/internal/models"
	"salonq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createAttempts = 3
	createBackoff  = 25 * time.Millisecond
)

type Store struct {
	pool                  *pgxpool.Pool
	averageServiceMinutes int
}

type Options struct {
	AverageServiceMinutes int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	avg := options.AverageServiceMinutes
	if avg <= 0 {
		avg = 15
	}
	return &Store{
		pool:                  pool,
		averageServiceMinutes: avg,
	}
}

const entryColumns = `
	entry_id, salon_id, request_id, customer_name, customer_phone, customer_email,
	service_ids, staff_id, queue_number, scope_day, estimated_wait_minutes,
	appointment_date, appointment_time, status, check_in_time, started_at,
	completed_at, notes, amount, payment_status, payment_method,
	gateway_order_id, gateway_payment_id, paid_at, rejection_reason, notification_sent`

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (models.QueueEntry, bool, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		entry, applied, err := s.checkInOnce(ctx, input)
		if err == nil {
			return entry, applied, nil
		}
		if !retryableCreateError(err) {
			return models.QueueEntry{}, false, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return models.QueueEntry{}, false, ctx.Err()
		case <-time.After(createBackoff << attempt):
		}
	}
	return models.QueueEntry{}, false, fmt.Errorf("%w: %v", store.ErrAllocationConflict, lastErr)
}

func (s *Store) checkInOnce(ctx context.Context, input store.CheckInInput) (models.QueueEntry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findEntryByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.QueueEntry{}, false, err
		}
		return existing, false, nil
	}

	loc, err := salonLocation(ctx, tx, input.SalonID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	amount, err := resolveServiceAmount(ctx, tx, input.SalonID, input.ServiceIDs)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if input.StaffID != "" {
		if err = ensureStaffExists(ctx, tx, input.SalonID, input.StaffID); err != nil {
			return models.QueueEntry{}, false, err
		}
	}

	checkInTime := input.CheckInTime
	if checkInTime.IsZero() {
		checkInTime = time.Now().UTC()
	}
	scopeDay := store.ScopeDayFor(checkInTime, loc, input.AppointmentDate)

	number, err := nextQueueNumber(ctx, tx, input.SalonID, scopeDay)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	waiting, err := waitingCount(ctx, tx, input.SalonID, scopeDay)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	estimatedWait := waiting * s.averageServiceMinutes

	status := models.StatusWaiting
	if input.Scheduled() {
		status = models.StatusPendingApproval
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO entries (
			entry_id, salon_id, request_id, customer_name, customer_phone, customer_email,
			service_ids, staff_id, queue_number, scope_day, estimated_wait_minutes,
			appointment_date, appointment_time, status, check_in_time, notes, amount,
			payment_status, payment_method
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+entryColumns+`
	`, uuid.NewString(), input.SalonID, input.RequestID, input.CustomerName, input.CustomerPhone,
		input.CustomerEmail, input.ServiceIDs, nullIfEmpty(input.StaffID), number, scopeDay,
		estimatedWait, nullIfEmpty(input.AppointmentDate), nullIfEmpty(input.AppointmentTime),
		status, checkInTime, input.Notes, amount, models.PaymentPending, input.PaymentMethod)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent duplicate request id: replay the stored outcome.
			_ = tx.Rollback(ctx)
			replay, replayFound, replayErr := s.entryByRequestID(ctx, input.RequestID)
			if replayErr != nil {
				return models.QueueEntry{}, false, replayErr
			}
			if !replayFound {
				return models.QueueEntry{}, false, store.ErrAllocationConflict
			}
			err = nil
			return replay, false, nil
		}
		return models.QueueEntry{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "entry.created", entry); err != nil {
		return models.QueueEntry{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) GetEntry(ctx context.Context, salonID, entryID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE entry_id = $1 AND salon_id = $2
	`, entryID, salonID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListQueue(ctx context.Context, salonID, statusFilter string) ([]models.QueueEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE salon_id = $1
	`
	args := []interface{}{salonID}
	if statusFilter != "" {
		query += " AND status = $2"
		args = append(args, statusFilter)
	}
	query += " ORDER BY scope_day ASC, queue_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) ListEntriesByPhone(ctx context.Context, salonID, phone string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE salon_id = $1 AND customer_phone = $2
		ORDER BY check_in_time DESC
	`, salonID, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) Approve(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.updateEntryStatus(ctx, input, "approve")
}

func (s *Store) Reject(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return models.QueueEntry{}, false, store.ErrReasonRequired
	}
	return s.updateEntryStatus(ctx, input, "reject")
}

func (s *Store) JoinQueue(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.updateEntryStatus(ctx, input, "join")
}

func (s *Store) StartService(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.updateEntryStatus(ctx, input, "start")
}

func (s *Store) CompleteService(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.updateEntryStatus(ctx, input, "complete")
}

func (s *Store) Cancel(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.updateEntryStatus(ctx, input, "cancel")
}

func (s *Store) MarkNoShow(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.updateEntryStatus(ctx, input, "no_show")
}

// updateEntryStatus applies one state-machine transition as a compare-and-set
// update conditioned on the expected prior status. A zero-row update is
// re-read and classified: missing entry, wrong status, or a lost race.
func (s *Store) updateEntryStatus(ctx context.Context, input store.EntryActionInput, action string) (models.QueueEntry, bool, error) {
	fromStatus, toStatus, err := transitionEndpoints(action)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.QueueEntry{}, false, err
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updateQuery := `
		UPDATE entries
		SET status = $1`
	args := []interface{}{toStatus}
	argPos := 2

	switch action {
	case "reject":
		updateQuery += fmt.Sprintf(", rejection_reason = $%d", argPos)
		args = append(args, input.Reason)
		argPos++
	case "start":
		updateQuery += fmt.Sprintf(", started_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	case "complete":
		updateQuery += fmt.Sprintf(", completed_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	}

	updateQuery += fmt.Sprintf(`
		WHERE entry_id = $%d AND salon_id = $%d AND status = $%d`, argPos, argPos+1, argPos+2)
	args = append(args, input.EntryID, input.SalonID, fromStatus)
	argPos += 3

	if action == "cancel" && input.Phone != "" {
		updateQuery += fmt.Sprintf(" AND customer_phone = $%d", argPos)
		args = append(args, input.Phone)
		argPos++
	}

	updateQuery += " RETURNING " + entryColumns

	entry, err := scanEntry(tx.QueryRow(ctx, updateQuery, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.classifyMiss(ctx, tx, input, action, fromStatus)
			return models.QueueEntry{}, false, err
		}
		return models.QueueEntry{}, false, err
	}

	if (action == "reject" || action == "cancel") && entry.Amount > 0 && entry.PaymentStatus == models.PaymentPaid {
		if entry, err = recordRefund(ctx, tx, entry, input.Reason, occurredAt); err != nil {
			return models.QueueEntry{}, false, err
		}
	}
	if action == "join" {
		if entry, err = s.refreshEstimate(ctx, tx, entry); err != nil {
			return models.QueueEntry{}, false, err
		}
	}

	if err = insertActionRequest(ctx, tx, action, input.RequestID, input.SalonID, entry.EntryID); err != nil {
		return models.QueueEntry{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, "entry."+action, entry); err != nil {
		return models.QueueEntry{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) classifyMiss(ctx context.Context, tx pgx.Tx, input store.EntryActionInput, action, fromStatus string) error {
	var status, phone string
	row := tx.QueryRow(ctx, `
		SELECT status, customer_phone
		FROM entries
		WHERE entry_id = $1 AND salon_id = $2
	`, input.EntryID, input.SalonID)
	if err := row.Scan(&status, &phone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrEntryNotFound
		}
		return err
	}
	if action == "cancel" && input.Phone != "" && phone != input.Phone {
		return store.ErrPhoneMismatch
	}
	if status != fromStatus {
		return store.ErrInvalidTransition
	}
	// The row carried the expected status on re-read, so the conditional
	// update lost a race with a concurrent writer.
	return store.ErrConflict
}

func (s *Store) RecordPayment(ctx context.Context, input store.RecordPaymentInput) (models.QueueEntry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findActionRequest(ctx, tx, "payment", input.RequestID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.QueueEntry{}, false, err
		}
		return existing, false, nil
	}

	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE entries
		SET payment_status = $1,
			gateway_order_id = $2,
			gateway_payment_id = $3,
			paid_at = $4,
			payment_method = COALESCE(NULLIF($5, ''), payment_method)
		WHERE entry_id = $6 AND salon_id = $7
			AND status IN ($8, $9, $10)
			AND payment_status IN ($11, $12)
		RETURNING `+entryColumns+`
	`, models.PaymentPaid, input.GatewayOrderID, input.GatewayPaymentID, paidAt, input.PaymentMethod,
		input.EntryID, input.SalonID,
		models.StatusPendingApproval, models.StatusConfirmed, models.StatusWaiting,
		models.PaymentPending, models.PaymentFailed)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err = tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM entries WHERE entry_id = $1 AND salon_id = $2)
			`, input.EntryID, input.SalonID).Scan(&exists); err != nil {
				return models.QueueEntry{}, false, err
			}
			if !exists {
				err = store.ErrEntryNotFound
				return models.QueueEntry{}, false, err
			}
			err = store.ErrPaymentState
			return models.QueueEntry{}, false, err
		}
		return models.QueueEntry{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "payment", input.RequestID, input.SalonID, entry.EntryID); err != nil {
		return models.QueueEntry{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, "entry.payment_recorded", entry); err != nil {
		return models.QueueEntry{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) PositionOf(ctx context.Context, salonID, entryID string) (int, bool, error) {
	entry, err := s.GetEntry(ctx, salonID, entryID)
	if err != nil {
		return 0, false, err
	}
	if !models.Positionable(entry.Status) {
		return 0, false, nil
	}

	var ahead int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM entries
		WHERE salon_id = $1 AND scope_day = $2 AND status = $3 AND queue_number < $4
	`, salonID, entry.ScopeDay, models.StatusWaiting, entry.QueueNumber)
	if err := row.Scan(&ahead); err != nil {
		return 0, false, err
	}
	return ahead + 1, true, nil
}

func (s *Store) EstimateWait(ctx context.Context, salonID string) (int, error) {
	loc, err := s.location(ctx, salonID)
	if err != nil {
		return 0, err
	}
	today := time.Now().In(loc).Format(store.ScopeDayLayout)

	var waiting int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM entries
		WHERE salon_id = $1 AND scope_day = $2 AND status = $3
	`, salonID, today, models.StatusWaiting)
	if err := row.Scan(&waiting); err != nil {
		return 0, err
	}
	return waiting * s.averageServiceMinutes, nil
}

// PromoteDueEntries moves confirmed bookings whose appointment slot has
// arrived into the live queue. Candidates are locked with SKIP LOCKED so
// concurrent sweepers on separate instances never double-promote.
func (s *Store) PromoteDueEntries(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT e.entry_id, e.salon_id, e.appointment_date, e.appointment_time, s.time_zone
		FROM entries e
		JOIN salons s ON s.salon_id = e.salon_id
		WHERE e.status = $1 AND e.appointment_date IS NOT NULL AND e.appointment_date <= $2
		ORDER BY e.appointment_date ASC, e.queue_number ASC
		FOR UPDATE OF e SKIP LOCKED
		LIMIT $3
	`, models.StatusConfirmed, now.UTC().Format(store.ScopeDayLayout), batchSize)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		entryID   string
		salonID   string
		date      string
		timeOfDay string
		timeZone  string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var dateNull sql.NullTime
		var timeNull sql.NullString
		var tzNull sql.NullString
		if err = rows.Scan(&c.entryID, &c.salonID, &dateNull, &timeNull, &tzNull); err != nil {
			rows.Close()
			return 0, err
		}
		if dateNull.Valid {
			c.date = dateNull.Time.Format(store.ScopeDayLayout)
		}
		if timeNull.Valid {
			c.timeOfDay = timeNull.String
		}
		if tzNull.Valid {
			c.timeZone = tzNull.String
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	promoted := 0
	for _, c := range candidates {
		if !slotDue(c.date, c.timeOfDay, c.timeZone, now) {
			continue
		}
		row := tx.QueryRow(ctx, `
			UPDATE entries
			SET status = $1
			WHERE entry_id = $2 AND status = $3
			RETURNING `+entryColumns+`
		`, models.StatusWaiting, c.entryID, models.StatusConfirmed)
		entry, scanErr := scanEntry(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				continue
			}
			err = scanErr
			return 0, err
		}
		if entry, err = s.refreshEstimate(ctx, tx, entry); err != nil {
			return 0, err
		}
		if err = insertOutboxEvent(ctx, tx, "entry.join", entry); err != nil {
			return 0, err
		}
		promoted++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return promoted, nil
}

func (s *Store) ListServices(ctx context.Context, salonID string) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, salon_id, name, price, duration_minutes, active
		FROM services
		WHERE salon_id = $1 AND active = TRUE
		ORDER BY name ASC
	`, salonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.SalonID, &svc.Name, &svc.Price, &svc.DurationMinutes, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) ListStaff(ctx context.Context, salonID string) ([]models.Staff, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT staff_id, salon_id, name, active
		FROM staff
		WHERE salon_id = $1 AND active = TRUE
		ORDER BY name ASC
	`, salonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Staff
	for rows.Next() {
		var member models.Staff
		if err := rows.Scan(&member.StaffID, &member.SalonID, &member.Name, &member.Active); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) ListRefundIntents(ctx context.Context, salonID string) ([]store.RefundIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT refund_id, salon_id, entry_id, amount, gateway_payment_id, reason, created_at
		FROM refund_intents
		WHERE salon_id = $1
		ORDER BY created_at ASC
	`, salonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []store.RefundIntent
	for rows.Next() {
		var intent store.RefundIntent
		var paymentIDNull sql.NullString
		var reasonNull sql.NullString
		if err := rows.Scan(&intent.RefundID, &intent.SalonID, &intent.EntryID, &intent.Amount, &paymentIDNull, &reasonNull, &intent.CreatedAt); err != nil {
			return nil, err
		}
		if paymentIDNull.Valid {
			intent.GatewayPaymentID = paymentIDNull.String
		}
		if reasonNull.Valid {
			intent.Reason = reasonNull.String
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, salonID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, salon_id, type, payload_json, created_at
		FROM outbox_events
		WHERE salon_id = $1
	`
	args := []interface{}{salonID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *Store) ListEntryEvents(ctx context.Context, salonID, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ev.entry_id, ev.entry_seq, ev.type, ev.payload, ev.created_at, ev.prev_hash, ev.hash
		FROM entry_events ev
		JOIN entries e ON e.entry_id = ev.entry_id
		WHERE e.salon_id = $1 AND ev.entry_id = $2
		ORDER BY ev.entry_seq ASC
	`, salonID, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, salon_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.SalonID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func (s *Store) ListOutboxEventsSince(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, salon_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *Store) MarkEntryNotified(ctx context.Context, entryID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entries
		SET notification_sent = TRUE
		WHERE entry_id = $1
	`, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (s *Store) GetNotifyOffset(ctx context.Context) (time.Time, error) {
	var offset sql.NullTime
	row := s.pool.QueryRow(ctx, `
		SELECT last_offset FROM notify_offsets WHERE id = 1
	`)
	if err := row.Scan(&offset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !offset.Valid {
		return time.Time{}, nil
	}
	return offset.Time, nil
}

func (s *Store) SetNotifyOffset(ctx context.Context, offset time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notify_offsets (id, last_offset)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_offset = EXCLUDED.last_offset
	`, offset)
	return err
}

func (s *Store) entryByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE request_id = $1
	`, requestID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) refreshEstimate(ctx context.Context, tx pgx.Tx, entry models.QueueEntry) (models.QueueEntry, error) {
	var ahead int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM entries
		WHERE salon_id = $1 AND scope_day = $2 AND status = $3
			AND queue_number < $4 AND entry_id <> $5
	`, entry.SalonID, entry.ScopeDay, models.StatusWaiting, entry.QueueNumber, entry.EntryID)
	if err := row.Scan(&ahead); err != nil {
		return models.QueueEntry{}, err
	}
	estimate := ahead * s.averageServiceMinutes
	if _, err := tx.Exec(ctx, `
		UPDATE entries SET estimated_wait_minutes = $1 WHERE entry_id = $2
	`, estimate, entry.EntryID); err != nil {
		return models.QueueEntry{}, err
	}
	entry.EstimatedWait = estimate
	return entry, nil
}

func (s *Store) location(ctx context.Context, salonID string) (*time.Location, error) {
	var tzNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT time_zone FROM salons WHERE salon_id = $1
	`, salonID)
	if err := row.Scan(&tzNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSalonNotFound
		}
		return nil, err
	}
	return loadLocation(tzNull), nil
}

func transitionEndpoints(action string) (string, string, error) {
	target, ok := store.TargetStatus(action)
	if !ok {
		return "", "", store.ErrInvalidTransition
	}
	var from string
	for _, status := range []string{
		models.StatusPendingApproval, models.StatusConfirmed, models.StatusWaiting,
		models.StatusInProgress,
	} {
		if store.ValidTransition(action, status) {
			from = status
			break
		}
	}
	if from == "" {
		return "", "", store.ErrInvalidTransition
	}
	return from, target, nil
}

func salonLocation(ctx context.Context, tx pgx.Tx, salonID string) (*time.Location, error) {
	var tzNull sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT time_zone FROM salons WHERE salon_id = $1
	`, salonID)
	if err := row.Scan(&tzNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSalonNotFound
		}
		return nil, err
	}
	return loadLocation(tzNull), nil
}

func loadLocation(tz sql.NullString) *time.Location {
	if !tz.Valid || tz.String == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz.String)
	if err != nil {
		return time.UTC
	}
	return loc
}

func resolveServiceAmount(ctx context.Context, tx pgx.Tx, salonID string, serviceIDs []string) (float64, error) {
	if len(serviceIDs) == 0 {
		return 0, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT service_id, price
		FROM services
		WHERE salon_id = $1 AND active = TRUE AND service_id = ANY($2)
	`, salonID, serviceIDs)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	prices := make(map[string]float64)
	for rows.Next() {
		var serviceID string
		var price float64
		if err := rows.Scan(&serviceID, &price); err != nil {
			return 0, err
		}
		prices[serviceID] = price
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0.0
	for _, serviceID := range serviceIDs {
		price, ok := prices[serviceID]
		if !ok {
			return 0, store.ErrServiceNotFound
		}
		total += price
	}
	return total, nil
}

func ensureStaffExists(ctx context.Context, tx pgx.Tx, salonID, staffID string) error {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM staff WHERE staff_id = $1 AND salon_id = $2 AND active = TRUE
		)
	`, staffID, salonID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrStaffNotFound
	}
	return nil
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx, salonID, scopeDay string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (salon_id, scope_day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (salon_id, scope_day)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, salonID, scopeDay)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func waitingCount(ctx context.Context, tx pgx.Tx, salonID, scopeDay string) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM entries
		WHERE salon_id = $1 AND scope_day = $2 AND status = $3
	`, salonID, scopeDay, models.StatusWaiting)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func findEntryByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.QueueEntry, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE request_id = $1
	`, requestID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.QueueEntry, bool, error) {
	var entryID string
	row := tx.QueryRow(ctx, `
		SELECT entry_id
		FROM entry_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}

	entryRow := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE entry_id = $1
	`, entryID)
	entry, err := scanEntry(entryRow)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, salonID, entryID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO entry_action_requests (request_id, action, salon_id, entry_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, action) DO NOTHING
	`, requestID, action, salonID, entryID)
	return err
}

func recordRefund(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, reason string, occurredAt time.Time) (models.QueueEntry, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE entries SET payment_status = $1 WHERE entry_id = $2
	`, models.PaymentRefunded, entry.EntryID); err != nil {
		return models.QueueEntry{}, err
	}
	entry.PaymentStatus = models.PaymentRefunded

	var paymentID interface{}
	if entry.GatewayPaymentID != nil {
		paymentID = *entry.GatewayPaymentID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO refund_intents (refund_id, salon_id, entry_id, amount, gateway_payment_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), entry.SalonID, entry.EntryID, entry.Amount, paymentID, nullIfEmpty(reason), occurredAt); err != nil {
		return models.QueueEntry{}, err
	}

	if err := insertOutboxEvent(ctx, tx, "entry.refund_due", entry); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, entry models.QueueEntry) error {
	amount := entry.Amount
	payload := map[string]interface{}{
		"entry_id":         entry.EntryID,
		"salon_id":         entry.SalonID,
		"queue_number":     entry.QueueNumber,
		"scope_day":        entry.ScopeDay,
		"estimated_wait":   entry.EstimatedWait,
		"status":           entry.Status,
		"payment_status":   entry.PaymentStatus,
		"rejection_reason": entry.RejectionReason,
		"check_in_time":    entry.CheckInTime,
		"started_at":       entry.StartedAt,
		"completed_at":     entry.CompletedAt,
		"paid_at":          entry.PaidAt,
		"amount":           &amount,
		"phone":            entry.CustomerPhone,
		"email":            entry.CustomerEmail,
		"customer_name":    entry.CustomerName,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, salon_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), entry.SalonID, eventType, payloadJSON, time.Now().UTC()); err != nil {
		return err
	}
	return insertEntryEvent(ctx, tx, entry.EntryID, eventType, payloadJSON)
}

func insertEntryEvent(ctx context.Context, tx pgx.Tx, entryID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entryID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
		FOR UPDATE
	`, entryID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeEntryEventHash(prev, entryID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entryID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var customerEmailNull sql.NullString
	var staffIDNull sql.NullString
	var scopeDay time.Time
	var appointmentDateNull sql.NullTime
	var appointmentTimeNull sql.NullString
	var startedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var notesNull sql.NullString
	var paymentMethodNull sql.NullString
	var orderIDNull sql.NullString
	var paymentIDNull sql.NullString
	var paidAtNull sql.NullTime
	var rejectionNull sql.NullString

	if err := row.Scan(
		&entry.EntryID, &entry.SalonID, &entry.RequestID, &entry.CustomerName,
		&entry.CustomerPhone, &customerEmailNull, &entry.ServiceIDs, &staffIDNull,
		&entry.QueueNumber, &scopeDay, &entry.EstimatedWait, &appointmentDateNull,
		&appointmentTimeNull, &entry.Status, &entry.CheckInTime, &startedAtNull,
		&completedAtNull, &notesNull, &entry.Amount, &entry.PaymentStatus,
		&paymentMethodNull, &orderIDNull, &paymentIDNull, &paidAtNull,
		&rejectionNull, &entry.NotificationSent,
	); err != nil {
		return models.QueueEntry{}, err
	}

	entry.ScopeDay = scopeDay.Format(store.ScopeDayLayout)
	if customerEmailNull.Valid {
		entry.CustomerEmail = customerEmailNull.String
	}
	entry.StaffID = nullStringPtr(staffIDNull)
	if appointmentDateNull.Valid {
		date := appointmentDateNull.Time.Format(store.ScopeDayLayout)
		entry.AppointmentDate = &date
	}
	entry.AppointmentTime = nullStringPtr(appointmentTimeNull)
	entry.StartedAt = nullTimePtr(startedAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	if notesNull.Valid {
		entry.Notes = notesNull.String
	}
	if paymentMethodNull.Valid {
		entry.PaymentMethod = paymentMethodNull.String
	}
	entry.GatewayOrderID = nullStringPtr(orderIDNull)
	entry.GatewayPaymentID = nullStringPtr(paymentIDNull)
	entry.PaidAt = nullTimePtr(paidAtNull)
	entry.RejectionReason = nullStringPtr(rejectionNull)
	return entry, nil
}

func scanEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanOutboxEvents(rows pgx.Rows) ([]store.OutboxEvent, error) {
	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.SalonID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func slotDue(date, timeOfDay, timeZone string, now time.Time) bool {
	if date == "" {
		return false
	}
	loc := time.UTC
	if timeZone != "" {
		if parsed, err := time.LoadLocation(timeZone); err == nil {
			loc = parsed
		}
	}
	layout := store.ScopeDayLayout
	value := date
	if timeOfDay != "" {
		layout = store.ScopeDayLayout + " 15:04"
		value += " " + timeOfDay
	}
	due, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return false
	}
	return !now.Before(due)
}

func retryableCreateError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Unique violation on (salon_id, scope_day, queue_number) or a
		// serialization failure: another check-in won the same slot.
		return pgErr.Code == "23505" || pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
