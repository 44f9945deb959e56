package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"prodline/internal/config"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls each org's event stream and posts new events to the org's configured
// webhooks. Cursors live in memory and start at the latest event, so a restart never replays.
type WebhookDispatcher struct {
	engine   engine.Engine
	log      *zap.Logger
	client   *http.Client
	Interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWebhookDispatcher(e engine.Engine, log *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		engine:   e,
		log:      logging.OrNop(log).Named("webhooks"),
		client:   &http.Client{},
		Interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
	}
}

func (d *WebhookDispatcher) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
	return nil
}

func (d *WebhookDispatcher) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending events for every org and hook. A failed delivery stops that
// hook's batch so the event is retried on the next pass.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	orgs, err := d.engine.ListOrgs(ctx)
	if err != nil {
		d.log.Error("list orgs failed", zap.Error(err))
		return
	}
	for _, org := range orgs {
		cfg, err := d.engine.OrgConfig(ctx, org.ID)
		if err != nil {
			d.log.Error("load org config failed", zap.String("org_id", org.ID), zap.Error(err))
			continue
		}
		for i, hook := range cfg.Webhooks {
			if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, org.ID, i, hook)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, orgID string, idx int, hook config.WebhookConfig) {
	key := fmt.Sprintf("%s#%d", orgID, idx)
	cursor, err := d.cursorFor(ctx, key, orgID)
	if err != nil {
		d.log.Error("init cursor failed", zap.String("org_id", orgID), zap.Error(err))
		return
	}
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, orgID)
	if err != nil {
		d.log.Error("fetch events failed", zap.String("org_id", orgID), zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, orgID, hook, evt); err != nil {
			d.log.Warn("delivery failed",
				zap.String("org_id", orgID),
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key, orgID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, nil
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, orgID)
	if err != nil {
		return 0, err
	}
	d.cursors[key] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrgID      string          `json:"org_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, orgID string, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OrgID:      orgID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Prodline-Event", evt.Type)
	req.Header.Set("X-Prodline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Prodline-Org", orgID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Prodline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
