// Package notify drains the outbox and fans events out to customer
// messaging channels. Delivery is best effort; the offset only advances
// past events that were handed to a provider.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"salonq/internal/store"
)

// Store is the slice of the storage layer the worker consumes.
type Store interface {
	ListOutboxEventsSince(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	MarkEntryNotified(ctx context.Context, entryID string) error
	GetNotifyOffset(ctx context.Context) (time.Time, error)
	SetNotifyOffset(ctx context.Context, offset time.Time) error
}

type Worker struct {
	store     Store
	batchSize int
	sms       Provider
	email     Provider
}

type payloadData map[string]interface{}

// SMSProvider and EmailProvider are provider kinds understood by
// newProvider ("log", "noop", "fail", "webhook", or a URL).
type Config struct {
	BatchSize     int
	SMSProvider   string
	EmailProvider string
}

func New(store Store, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Worker{
		store:     store,
		batchSize: batch,
		sms:       newProvider("sms", cfg.SMSProvider),
		email:     newProvider("email", cfg.EmailProvider),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	last, err := w.store.GetNotifyOffset(ctx)
	if err != nil {
		return err
	}

	events, err := w.store.ListOutboxEventsSince(ctx, last, w.batchSize)
	if err != nil {
		return err
	}

	advanced := false
	for _, event := range events {
		if err := w.processEvent(ctx, event); err != nil {
			log.Printf("notify process error: %v", err)
		}
		last = event.CreatedAt
		advanced = true
	}

	if advanced {
		if err := w.store.SetNotifyOffset(ctx, last); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) processEvent(ctx context.Context, event store.OutboxEvent) error {
	template := templateForEvent(event.Type)
	if template == "" {
		return nil
	}

	payload := payloadData{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	channels := w.pickChannels(payload)
	if len(channels) == 0 {
		return nil
	}

	message := renderTemplate(template, payload)
	sent := false
	for _, channel := range channels {
		if err := channel.provider.Send(ctx, message, channel.recipient); err != nil {
			log.Printf("notify send failed channel=%s: %v", channel.name, err)
			continue
		}
		sent = true
	}
	if !sent {
		return nil
	}

	entryID := str(payload, "entry_id")
	if entryID == "" {
		return nil
	}
	if err := w.store.MarkEntryNotified(ctx, entryID); err != nil && !errors.Is(err, store.ErrEntryNotFound) {
		return err
	}
	return nil
}

func templateForEvent(eventType string) string {
	switch eventType {
	case "entry.created":
		return "Hi {customer_name}, you are number {queue_number} for {scope_day}. Estimated wait: {estimated_wait} min."
	case "entry.approve":
		return "Hi {customer_name}, your booking for {scope_day} is confirmed. Your number is {queue_number}."
	case "entry.reject":
		return "Hi {customer_name}, your booking for {scope_day} was declined: {rejection_reason}."
	case "entry.join":
		return "Hi {customer_name}, you have joined the queue. Your number is {queue_number}."
	case "entry.start":
		return "Hi {customer_name}, the salon is ready for you now."
	case "entry.refund_due":
		return "Hi {customer_name}, a refund of {amount} for booking {queue_number} is being processed."
	default:
		return ""
	}
}

func renderTemplate(template string, payload payloadData) string {
	result := template
	result = strings.ReplaceAll(result, "{customer_name}", str(payload, "customer_name"))
	result = strings.ReplaceAll(result, "{queue_number}", num(payload, "queue_number"))
	result = strings.ReplaceAll(result, "{scope_day}", str(payload, "scope_day"))
	result = strings.ReplaceAll(result, "{estimated_wait}", num(payload, "estimated_wait"))
	result = strings.ReplaceAll(result, "{rejection_reason}", str(payload, "rejection_reason"))
	result = strings.ReplaceAll(result, "{amount}", num(payload, "amount"))
	return result
}

func str(payload payloadData, key string) string {
	if value, ok := payload[key]; ok {
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}

func num(payload payloadData, key string) string {
	value, ok := payload[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	case string:
		return v
	}
	return ""
}

type channelTarget struct {
	name      string
	recipient string
	provider  Provider
}

func (w *Worker) pickChannels(payload payloadData) []channelTarget {
	var channels []channelTarget
	if phone, ok := payload["phone"].(string); ok && phone != "" {
		channels = append(channels, channelTarget{name: "sms", recipient: phone, provider: w.sms})
	}
	if email, ok := payload["email"].(string); ok && email != "" {
		channels = append(channels, channelTarget{name: "email", recipient: email, provider: w.email})
	}
	return channels
}

func Start(ctx context.Context, interval time.Duration, w *Worker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}
	}
}
