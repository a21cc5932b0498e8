package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"salonq/internal/models"
	"salonq/internal/store"

	"github.com/google/uuid"
)

// Store keeps the whole engine state in process memory behind one mutex. It
// implements the same contract as the postgres store and backs dev mode and
// the engine-level tests. Not suitable for multi-instance deployments: queue
// sequences would no longer agree across processes.
type Store struct {
	mu sync.Mutex

	averageServiceMinutes int

	salons   map[string]models.Salon
	services map[string]models.Service
	staff    map[string]models.Staff
	sessions map[string]store.Session

	entries     map[string]*models.QueueEntry
	sequences   map[string]int
	checkInReqs map[string]string
	actionReqs  map[string]string

	refunds     []store.RefundIntent
	outbox      []store.OutboxEvent
	entryEvents map[string][]store.EntryEvent

	notifyOffset time.Time
}

type Options struct {
	AverageServiceMinutes int
}

func NewStore(options Options) *Store {
	avg := options.AverageServiceMinutes
	if avg <= 0 {
		avg = 15
	}
	return &Store{
		averageServiceMinutes: avg,
		salons:                make(map[string]models.Salon),
		services:              make(map[string]models.Service),
		staff:                 make(map[string]models.Staff),
		sessions:              make(map[string]store.Session),
		entries:               make(map[string]*models.QueueEntry),
		sequences:             make(map[string]int),
		checkInReqs:           make(map[string]string),
		actionReqs:            make(map[string]string),
		entryEvents:           make(map[string][]store.EntryEvent),
	}
}

func (s *Store) SeedSalon(salon models.Salon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.salons[salon.SalonID] = salon
}

func (s *Store) SeedService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) SeedStaff(member models.Staff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[member.StaffID] = member
}

func (s *Store) SeedSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.checkInReqs[input.RequestID]; ok {
		return *s.entries[entryID], false, nil
	}

	salon, ok := s.salons[input.SalonID]
	if !ok {
		return models.QueueEntry{}, false, store.ErrSalonNotFound
	}

	amount := 0.0
	for _, serviceID := range input.ServiceIDs {
		service, ok := s.services[serviceID]
		if !ok || !service.Active || service.SalonID != input.SalonID {
			return models.QueueEntry{}, false, store.ErrServiceNotFound
		}
		amount += service.Price
	}
	if input.StaffID != "" {
		member, ok := s.staff[input.StaffID]
		if !ok || !member.Active || member.SalonID != input.SalonID {
			return models.QueueEntry{}, false, store.ErrStaffNotFound
		}
	}

	checkInTime := input.CheckInTime
	if checkInTime.IsZero() {
		checkInTime = time.Now().UTC()
	}
	scopeDay := store.ScopeDayFor(checkInTime, salonLocation(salon), input.AppointmentDate)

	scopeKey := input.SalonID + "|" + scopeDay
	s.sequences[scopeKey]++
	number := s.sequences[scopeKey]

	status := models.StatusWaiting
	if input.Scheduled() {
		status = models.StatusPendingApproval
	}

	entry := models.QueueEntry{
		EntryID:       uuid.NewString(),
		SalonID:       input.SalonID,
		RequestID:     input.RequestID,
		CustomerName:  input.CustomerName,
		CustomerPhone: input.CustomerPhone,
		CustomerEmail: input.CustomerEmail,
		ServiceIDs:    append([]string(nil), input.ServiceIDs...),
		QueueNumber:   number,
		ScopeDay:      scopeDay,
		EstimatedWait: s.waitingCountLocked(input.SalonID, scopeDay) * s.averageServiceMinutes,
		Status:        status,
		CheckInTime:   checkInTime,
		Notes:         input.Notes,
		Amount:        amount,
		PaymentStatus: models.PaymentPending,
		PaymentMethod: input.PaymentMethod,
	}
	if input.StaffID != "" {
		staffID := input.StaffID
		entry.StaffID = &staffID
	}
	if input.Scheduled() {
		date := input.AppointmentDate
		entry.AppointmentDate = &date
		if input.AppointmentTime != "" {
			at := input.AppointmentTime
			entry.AppointmentTime = &at
		}
	}

	s.entries[entry.EntryID] = &entry
	s.checkInReqs[input.RequestID] = entry.EntryID
	s.appendEventLocked(entry, "entry.created")

	return entry, true, nil
}

func (s *Store) GetEntry(ctx context.Context, salonID, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.entryLocked(salonID, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return *entry, nil
}

func (s *Store) ListQueue(ctx context.Context, salonID, statusFilter string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.QueueEntry
	for _, entry := range s.entries {
		if entry.SalonID != salonID {
			continue
		}
		if statusFilter != "" && entry.Status != statusFilter {
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ScopeDay != entries[j].ScopeDay {
			return entries[i].ScopeDay < entries[j].ScopeDay
		}
		return entries[i].QueueNumber < entries[j].QueueNumber
	})
	return entries, nil
}

func (s *Store) ListEntriesByPhone(ctx context.Context, salonID, phone string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.QueueEntry
	for _, entry := range s.entries {
		if entry.SalonID == salonID && entry.CustomerPhone == phone {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CheckInTime.After(entries[j].CheckInTime)
	})
	return entries, nil
}

func (s *Store) Approve(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.applyAction(input, "approve")
}

func (s *Store) Reject(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return models.QueueEntry{}, false, store.ErrReasonRequired
	}
	return s.applyAction(input, "reject")
}

func (s *Store) JoinQueue(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.applyAction(input, "join")
}

func (s *Store) StartService(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.applyAction(input, "start")
}

func (s *Store) CompleteService(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.applyAction(input, "complete")
}

func (s *Store) Cancel(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.applyAction(input, "cancel")
}

func (s *Store) MarkNoShow(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, bool, error) {
	return s.applyAction(input, "no_show")
}

func (s *Store) applyAction(input store.EntryActionInput, action string) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.actionReqs[action+"|"+input.RequestID]; ok {
		if entryID == "" {
			return models.QueueEntry{}, false, store.ErrInvalidTransition
		}
		return *s.entries[entryID], false, nil
	}

	entry, err := s.entryLocked(input.SalonID, input.EntryID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	if !store.ValidTransition(action, entry.Status) {
		return models.QueueEntry{}, false, store.ErrInvalidTransition
	}
	if action == "cancel" && input.Phone != "" && entry.CustomerPhone != input.Phone {
		return models.QueueEntry{}, false, store.ErrPhoneMismatch
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	target, _ := store.TargetStatus(action)
	entry.Status = target

	switch action {
	case "reject":
		reason := input.Reason
		entry.RejectionReason = &reason
	case "join":
		entry.EstimatedWait = s.waitingCountBeforeLocked(entry) * s.averageServiceMinutes
	case "start":
		startedAt := occurredAt
		entry.StartedAt = &startedAt
	case "complete":
		completedAt := occurredAt
		entry.CompletedAt = &completedAt
	}

	if (action == "reject" || action == "cancel") && entry.Amount > 0 && entry.PaymentStatus == models.PaymentPaid {
		s.recordRefundLocked(entry, input.Reason, occurredAt)
	}

	s.actionReqs[action+"|"+input.RequestID] = entry.EntryID
	s.appendEventLocked(*entry, "entry."+action)
	return *entry, true, nil
}

func (s *Store) RecordPayment(ctx context.Context, input store.RecordPaymentInput) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.actionReqs["payment|"+input.RequestID]; ok {
		if entryID == "" {
			return models.QueueEntry{}, false, store.ErrPaymentState
		}
		return *s.entries[entryID], false, nil
	}

	entry, err := s.entryLocked(input.SalonID, input.EntryID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if !models.Payable(entry.Status) {
		return models.QueueEntry{}, false, store.ErrPaymentState
	}
	if entry.PaymentStatus == models.PaymentPaid || entry.PaymentStatus == models.PaymentRefunded {
		return models.QueueEntry{}, false, store.ErrPaymentState
	}

	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	orderID := input.GatewayOrderID
	paymentID := input.GatewayPaymentID
	entry.PaymentStatus = models.PaymentPaid
	entry.GatewayOrderID = &orderID
	entry.GatewayPaymentID = &paymentID
	entry.PaidAt = &paidAt
	if input.PaymentMethod != "" {
		entry.PaymentMethod = input.PaymentMethod
	}

	s.actionReqs["payment|"+input.RequestID] = entry.EntryID
	s.appendEventLocked(*entry, "entry.payment_recorded")
	return *entry, true, nil
}

func (s *Store) PositionOf(ctx context.Context, salonID, entryID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entryLocked(salonID, entryID)
	if err != nil {
		return 0, false, err
	}
	if !models.Positionable(entry.Status) {
		return 0, false, nil
	}

	ahead := 0
	for _, other := range s.entries {
		if other.SalonID == salonID && other.ScopeDay == entry.ScopeDay &&
			other.Status == models.StatusWaiting && other.QueueNumber < entry.QueueNumber {
			ahead++
		}
	}
	return ahead + 1, true, nil
}

func (s *Store) EstimateWait(ctx context.Context, salonID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	salon, ok := s.salons[salonID]
	if !ok {
		return 0, store.ErrSalonNotFound
	}
	today := time.Now().In(salonLocation(salon)).Format(store.ScopeDayLayout)
	return s.waitingCountLocked(salonID, today) * s.averageServiceMinutes, nil
}

func (s *Store) PromoteDueEntries(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for _, entry := range s.entries {
		if promoted >= batchSize {
			break
		}
		if entry.Status != models.StatusConfirmed || entry.AppointmentDate == nil {
			continue
		}
		salon := s.salons[entry.SalonID]
		if !appointmentDue(*entry, now, salonLocation(salon)) {
			continue
		}
		entry.Status = models.StatusWaiting
		entry.EstimatedWait = s.waitingCountBeforeLocked(entry) * s.averageServiceMinutes
		s.appendEventLocked(*entry, "entry.join")
		promoted++
	}
	return promoted, nil
}

func (s *Store) ListServices(ctx context.Context, salonID string) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var services []models.Service
	for _, service := range s.services {
		if service.SalonID == salonID && service.Active {
			services = append(services, service)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) ListStaff(ctx context.Context, salonID string) ([]models.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var members []models.Staff
	for _, member := range s.staff {
		if member.SalonID == salonID && member.Active {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

func (s *Store) ListRefundIntents(ctx context.Context, salonID string) ([]store.RefundIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var intents []store.RefundIntent
	for _, intent := range s.refunds {
		if intent.SalonID == salonID {
			intents = append(intents, intent)
		}
	}
	return intents, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, salonID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.SalonID != salonID {
			continue
		}
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, salonID, entryID string) ([]store.EntryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.entryLocked(salonID, entryID); err != nil {
		return nil, err
	}
	return append([]store.EntryEvent(nil), s.entryEvents[entryID]...), nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || time.Now().After(session.ExpiresAt) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) ListOutboxEventsSince(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) MarkEntryNotified(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return store.ErrEntryNotFound
	}
	entry.NotificationSent = true
	return nil
}

func (s *Store) GetNotifyOffset(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyOffset, nil
}

func (s *Store) SetNotifyOffset(ctx context.Context, offset time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyOffset = offset
	return nil
}

func (s *Store) entryLocked(salonID, entryID string) (*models.QueueEntry, error) {
	entry, ok := s.entries[entryID]
	if !ok || entry.SalonID != salonID {
		return nil, store.ErrEntryNotFound
	}
	return entry, nil
}

func (s *Store) waitingCountLocked(salonID, scopeDay string) int {
	count := 0
	for _, entry := range s.entries {
		if entry.SalonID == salonID && entry.ScopeDay == scopeDay && entry.Status == models.StatusWaiting {
			count++
		}
	}
	return count
}

// waitingCountBeforeLocked counts waiting entries ahead of the given entry,
// excluding the entry itself.
func (s *Store) waitingCountBeforeLocked(entry *models.QueueEntry) int {
	count := 0
	for _, other := range s.entries {
		if other.EntryID != entry.EntryID && other.SalonID == entry.SalonID &&
			other.ScopeDay == entry.ScopeDay && other.Status == models.StatusWaiting &&
			other.QueueNumber < entry.QueueNumber {
			count++
		}
	}
	return count
}

func (s *Store) recordRefundLocked(entry *models.QueueEntry, reason string, occurredAt time.Time) {
	entry.PaymentStatus = models.PaymentRefunded
	intent := store.RefundIntent{
		RefundID:  uuid.NewString(),
		SalonID:   entry.SalonID,
		EntryID:   entry.EntryID,
		Amount:    entry.Amount,
		Reason:    reason,
		CreatedAt: occurredAt,
	}
	if entry.GatewayPaymentID != nil {
		intent.GatewayPaymentID = *entry.GatewayPaymentID
	}
	s.refunds = append(s.refunds, intent)
	s.appendEventLocked(*entry, "entry.refund_due")
}

func (s *Store) appendEventLocked(entry models.QueueEntry, eventType string) {
	payload, err := json.Marshal(entrySnapshot(entry))
	if err != nil {
		return
	}
	createdAt := time.Now().UTC()
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		SalonID:   entry.SalonID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})

	chain := s.entryEvents[entry.EntryID]
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	seq := len(chain) + 1
	s.entryEvents[entry.EntryID] = append(chain, store.EntryEvent{
		EntryID:   entry.EntryID,
		EntrySeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeEntryEventHash(prev, entry.EntryID, eventType, payload, createdAt, seq),
	})
}

func entrySnapshot(entry models.QueueEntry) map[string]interface{} {
	amount := entry.Amount
	return map[string]interface{}{
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
}

func salonLocation(salon models.Salon) *time.Location {
	if salon.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(salon.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func appointmentDue(entry models.QueueEntry, now time.Time, loc *time.Location) bool {
	if entry.AppointmentDate == nil {
		return false
	}
	layout := store.ScopeDayLayout
	value := *entry.AppointmentDate
	if entry.AppointmentTime != nil && *entry.AppointmentTime != "" {
		layout = store.ScopeDayLayout + " 15:04"
		value += " " + *entry.AppointmentTime
	}
	due, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return false
	}
	return !now.Before(due)
}
