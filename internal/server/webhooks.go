package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"icpilot/internal/config"
	"icpilot/internal/domain"
	"icpilot/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards persisted workflow events to the configured
// webhooks. Each hook keeps its own cursor into the global event log and
// starts at the log's head, so only events published after startup are
// delivered. A failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	Log      store.EventLog
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(log store.EventLog, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Log:      log,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger.With("component", "webhooks"),
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done. It returns immediately when no webhook
// is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if !d.active() {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) active() bool {
	for _, hook := range d.Webhooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchAll runs one delivery pass over every enabled webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	evts, err := d.Log.EventsSince(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Warn("webhook_fetch_failed", "url", hook.URL, "cursor", cursor, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(string(evt.Kind)) {
			d.setCursor(idx, evt.LogID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.Warn("webhook_delivery_failed", "url", hook.URL, "run_id", evt.RunID, "sequence", evt.Sequence, "error", err)
			return
		}
		d.setCursor(idx, evt.LogID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.Log.LatestLogID(ctx)
	if err != nil {
		d.Logger.Warn("webhook_cursor_init_failed", "error", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Icpilot-Event", string(evt.Kind))
	req.Header.Set("X-Icpilot-Delivery", evt.EventID)
	req.Header.Set("X-Icpilot-Run", evt.RunID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Icpilot-Secret", hook.Secret)
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

func newEventFilter(kinds []string) eventFilter {
	if len(kinds) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		key := strings.TrimSpace(kind)
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

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
