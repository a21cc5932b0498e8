package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Provider delivers one rendered message to one recipient.
type Provider interface {
	Send(ctx context.Context, message, recipient string) error
}

// newProvider maps a configured provider kind to an implementation.
// "log" (the default) prints the message, "noop" drops it, "fail" always
// errors, and a URL or "webhook" posts the message to an HTTP endpoint.
func newProvider(channel, kind string) Provider {
	if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
		return &webhookProvider{channel: channel, url: kind}
	}
	switch kind {
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		url := os.Getenv("NOTIFY_" + strings.ToUpper(channel) + "_WEBHOOK_URL")
		if url == "" {
			return logProvider{channel: channel}
		}
		return &webhookProvider{
			channel: channel,
			url:     url,
			token:   os.Getenv("NOTIFY_" + strings.ToUpper(channel) + "_WEBHOOK_TOKEN"),
		}
	default:
		return logProvider{channel: channel}
	}
}

type logProvider struct {
	channel string
}

func (p logProvider) Send(_ context.Context, message, recipient string) error {
	log.Printf("send %s to %s: %s", p.channel, recipient, message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(context.Context, string, string) error { return nil }

type failProvider struct{}

func (failProvider) Send(context.Context, string, string) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	channel string
	url     string
	token   string
	client  *http.Client
}

func (p *webhookProvider) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   p.channel,
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("provider rejected request")
	}
	return nil
}
