package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/samber/do/v2"
)

var ErrDeliveryRejected = errors.New("gateway rejected event")

// Gateway is the notification/chat side of the platform. The engine only
// ever pushes to it.
type Gateway interface {
	Deliver(ctx context.Context, event Event) error
}

func NewGateway(i do.Injector) (Gateway, error) {
	webhookURL := do.MustInvokeNamed[string](i, "webhook-url")
	logger := do.MustInvoke[*slog.Logger](i)

	var gateway Gateway = &LogGateway{Logger: logger.With("component", "events")}

	if webhookURL != "" {
		gateway = &WebhookGateway{
			URL: webhookURL,
			Client: &http.Client{
				Timeout: 10 * time.Second, //nolint:mnd
			},
		}
	}

	return NewDedupingGateway(gateway, DefaultDedupeWindow), nil
}

type LogGateway struct {
	Logger *slog.Logger
}

func (g *LogGateway) Deliver(ctx context.Context, event Event) error {
	g.Logger.InfoContext(ctx, "event",
		"id", event.ID,
		"kind", event.Kind,
		"challenge", event.ChallengeID,
		"squads", event.Squads,
	)

	return nil
}

// WebhookGateway posts each event as JSON. Receivers dedupe on the
// Idempotency-Key header.
type WebhookGateway struct {
	URL    string
	Client *http.Client
}

func (g *WebhookGateway) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrDeliveryRejected, g.URL, resp.StatusCode)
	}

	return nil
}

const DefaultDedupeWindow = 4096

// DedupingGateway drops events whose ID it delivered recently.
type DedupingGateway struct {
	next Gateway

	mu     sync.Mutex
	window int
	seen   map[string]struct{}
	order  []string
}

func NewDedupingGateway(next Gateway, window int) *DedupingGateway {
	if window <= 0 {
		window = DefaultDedupeWindow
	}

	return &DedupingGateway{
		next:   next,
		window: window,
		seen:   make(map[string]struct{}, window),
	}
}

func (g *DedupingGateway) Deliver(ctx context.Context, event Event) error {
	g.mu.Lock()
	_, dup := g.seen[event.ID]
	g.mu.Unlock()

	if dup {
		return nil
	}

	err := g.next.Deliver(ctx, event)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[event.ID]; ok {
		return nil
	}

	g.seen[event.ID] = struct{}{}
	g.order = append(g.order, event.ID)

	if len(g.order) > g.window {
		delete(g.seen, g.order[0])
		g.order = g.order[1:]
	}

	return nil
}
