package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(hook config.WebhookConfig) {
	ctx := context.Background()
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		log.Printf("webhook: load cursor failed: %v", err)
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(ctx, hook, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(ctx, hook, evt.ID)
	}
}

// cursorFor reads the delivery cursor persisted for the hook URL. A hook
// seen for the first time starts at the journal tail so a fresh
// subscriber is not flooded with history.
func (d *webhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, err := d.engine.Repo.GetWebhookCursor(ctx, hook.URL)
	if err != nil {
		return 0, err
	}
	if cur > 0 {
		return cur, nil
	}
	latest, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.engine.Repo.SetWebhookCursor(ctx, hook.URL, latest); err != nil {
		return 0, err
	}
	return latest, nil
}

func (d *webhookDispatcher) setCursor(ctx context.Context, hook config.WebhookConfig, value int64) {
	if err := d.engine.Repo.SetWebhookCursor(ctx, hook.URL, value); err != nil {
		log.Printf("webhook: persist cursor failed: %v", err)
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CaseID     string          `json:"case_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorName  string          `json:"actor_name"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		CaseID:     evt.CaseID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorName:  evt.ActorName,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Event", evt.Type)
	req.Header.Set("X-Caseline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// registerRelay forwards arbitrary JSON payloads to the office relay, a
// bridge kept for integrations that cannot subscribe to webhooks.
func registerRelay(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "relay",
		Method:        http.MethodPost,
		Path:          "/webhooks/relay",
		Summary:       "Forward a payload to the office relay",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if e.Config == nil || strings.TrimSpace(e.Config.Relay.URL) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "relay is not configured", nil)
		}
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		timeout := defaultWebhookTimeout
		if e.Config.Relay.TimeoutSeconds > 0 {
			timeout = time.Duration(e.Config.Relay.TimeoutSeconds) * time.Second
		}
		client := &http.Client{Timeout: timeout}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Config.Relay.URL, bytes.NewReader(raw))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return nil, newAPIError(http.StatusBadGateway, "relay_failed", err.Error(), nil)
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, newAPIError(http.StatusBadGateway, "relay_failed", fmt.Sprintf("relay returned status %d", res.StatusCode), nil)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"relayed": true, "status": res.StatusCode}}, nil
	})
}
