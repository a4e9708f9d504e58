// Package gateway turns logical order requests into delivered, tracked
// orders. It owns the delivery circuit breaker and the pending/filled
// ledgers; strategies never talk to the wire themselves.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
)

var (
	hexTag24    = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	tagParam    = regexp.MustCompile(`([?&]tag=)[^&]*`)
	hasTagParam = regexp.MustCompile(`[?&]tag=`)
)

// errBatchFailed marks a batch with zero successful deliveries so the
// breaker counts it as one failure.
var errBatchFailed = errors.New("all orders in batch failed")

// Terminal broker statuses that confirm a fill during reconciliation.
var terminalStatuses = map[string]bool{
	"filled":   true,
	"complete": true,
	"closed":   true,
	"executed": true,
}

// OrderResult is the per-order outcome of one SendOrders batch.
type OrderResult struct {
	Order          models.OrderRequest `json:"order"`
	Success        bool                `json:"success"`
	Status         int                 `json:"status,omitempty"`
	OrderID        string              `json:"order_id,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Simulated      bool                `json:"simulated"`
	Error          string              `json:"error,omitempty"`
	Attempts       int                 `json:"attempts,omitempty"`
}

// Record is one ledger entry; it moves from the pending ledger to the
// filled ledger only through ConfirmFill.
type Record struct {
	Order     models.OrderRequest `json:"order"`
	OrderID   string              `json:"order_id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Status    string              `json:"status"`
	FillPrice float64             `json:"fill_price,omitempty"`
	FillTime  string              `json:"fill_time,omitempty"`
}

// FillCallback is invoked when a pending order is confirmed filled.
type FillCallback func(idempotencyKey string, rec Record)

// Notifier is the alert hook the gateway fires on breaker-open and
// all-failed batches.
type Notifier interface {
	Send(message string)
}

// Gateway delivers order batches over the webhook with retries, idempotency
// keys, and a circuit breaker wrapping each whole batch.
type Gateway struct {
	webhookURL     string
	baseTag        string
	maxRetries     int
	initialDelay   time.Duration
	maxDelay       time.Duration
	simulation     bool
	statusTemplate string
	immediatePoll  bool

	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	notifier Notifier
	logger   *logrus.Logger

	mu           sync.Mutex
	pending      map[string]Record
	filled       map[string]Record
	fillCallback FillCallback

	pendingLedger *ledger
	filledLedger  *ledger

	now func() time.Time
}

// New builds a gateway from config and reloads any persisted ledgers.
func New(cfg *config.Config, notifier Notifier, logger *logrus.Logger) *Gateway {
	g := &Gateway{
		webhookURL:     cfg.Webhook.URL,
		baseTag:        cfg.Webhook.Tag,
		maxRetries:     cfg.MaxRetries(),
		initialDelay:   cfg.InitialRetryDelay(),
		maxDelay:       cfg.MaxRetryDelay(),
		simulation:     cfg.IsSimulation(),
		statusTemplate: cfg.Execution.OrderStatusURLTemplate,
		immediatePoll:  cfg.Execution.ImmediatePollOnSend,
		client:         resty.New().SetTimeout(cfg.RequestTimeout()),
		notifier:       notifier,
		logger:         logger,
		pending:        make(map[string]Record),
		filled:         make(map[string]Record),
		pendingLedger:  newLedger(cfg.Execution.DataPaths.PendingFile, "data/pending_orders.jsonl", logger),
		filledLedger:   newLedger(cfg.Execution.DataPaths.FilledFile, "data/filled_orders.jsonl", logger),
		now:            time.Now,
	}

	if rps := cfg.Execution.StatusPollRate; rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "order-webhook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
			if to == gobreaker.StateOpen && notifier != nil {
				notifier.Send("circuit breaker OPEN: order delivery suspended")
			}
		},
	})

	g.validateWebhookURL()
	g.loadLedgers()
	return g
}

// SetFillCallback registers the hook invoked on each confirmed fill.
func (g *Gateway) SetFillCallback(cb FillCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillCallback = cb
}

func (g *Gateway) validateWebhookURL() {
	if g.webhookURL == "" {
		g.logger.Error("no webhook URL configured")
		return
	}
	m := regexp.MustCompile(`[?&]tag=([a-fA-F0-9]{24})(?:&|$)`).FindStringSubmatch(g.webhookURL)
	if m != nil {
		g.logger.WithField("tag", m[1]).Info("webhook URL validated")
		return
	}
	g.logger.Warn("webhook URL has no valid 24-hex tag; one will be attached per request")
}

// ensureTag returns the tag unchanged when it is already 24 hex chars,
// otherwise synthesizes a fresh one.
func ensureTag(tag string) string {
	if hexTag24.MatchString(tag) {
		return tag
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// webhookWithTag builds the request-specific URL carrying a valid tag. The
// stored base URL is never mutated.
func (g *Gateway) webhookWithTag(tag string) string {
	if hasTagParam.MatchString(g.webhookURL) {
		return tagParam.ReplaceAllString(g.webhookURL, "${1}"+tag)
	}
	sep := "?"
	if strings.Contains(g.webhookURL, "?") {
		sep = "&"
	}
	return g.webhookURL + sep + "tag=" + tag
}

// SendOrders delivers the batch. It returns whether any order succeeded and
// a per-order result slice. An open breaker rejects the batch with no
// network call.
func (g *Gateway) SendOrders(ctx context.Context, orders []models.OrderRequest, tag string) (bool, []OrderResult) {
	if g.webhookURL == "" {
		g.logger.Error("no webhook URL configured")
		return false, nil
	}
	if len(orders) == 0 {
		return false, nil
	}

	requestTag := tag
	if g.baseTag != "" && requestTag == "" {
		requestTag = g.baseTag
	}
	requestTag = ensureTag(requestTag)

	if g.simulation {
		return true, g.simulate(orders, requestTag)
	}

	res, err := g.breaker.Execute(func() (interface{}, error) {
		results := g.deliverBatch(ctx, orders, requestTag)
		for _, r := range results {
			if r.Success {
				return results, nil
			}
		}
		return results, errBatchFailed
	})
	if err != nil && !errors.Is(err, errBatchFailed) {
		// Breaker rejected the batch before any network call.
		g.logger.WithError(err).Error("order batch rejected by circuit breaker")
		return false, nil
	}

	results, _ := res.([]OrderResult)
	anySuccess := err == nil
	if !anySuccess && g.notifier != nil {
		g.notifier.Send(fmt.Sprintf("all orders failed in batch (tag=%s)", requestTag))
	}

	successCount := 0
	for _, r := range results {
		if r.Success {
			successCount++
		}
	}
	g.logger.WithFields(logrus.Fields{
		"succeeded": successCount,
		"total":     len(orders),
		"tag":       requestTag,
	}).Info("order batch complete")

	if g.immediatePoll {
		g.PollPending(ctx)
	}
	return anySuccess, results
}

func (g *Gateway) simulate(orders []models.OrderRequest, tag string) []OrderResult {
	g.logger.WithFields(logrus.Fields{
		"orders": len(orders),
		"tag":    tag,
	}).Info("simulation: orders not sent")

	results := make([]OrderResult, 0, len(orders))
	for i, order := range orders {
		key := fmt.Sprintf("%s-%d-%s", tag, i, randomHex8())
		orderID := "SIM-" + randomHex8()
		results = append(results, OrderResult{
			Order:          order,
			Success:        true,
			Status:         200,
			OrderID:        orderID,
			IdempotencyKey: key,
			Simulated:      true,
		})
		g.registerPending(key, Record{
			Order:     order,
			OrderID:   orderID,
			Timestamp: g.now().UTC(),
			Status:    "pending",
		})
	}
	return results
}

func (g *Gateway) deliverBatch(ctx context.Context, orders []models.OrderRequest, tag string) []OrderResult {
	url := g.webhookWithTag(tag)
	results := make([]OrderResult, 0, len(orders))
	for i, order := range orders {
		results = append(results, g.deliverOne(ctx, order, tag, i, url))
	}
	return results
}

func (g *Gateway) deliverOne(ctx context.Context, order models.OrderRequest, tag string, index int, url string) OrderResult {
	key := fmt.Sprintf("%s-%d-%s", tag, index, randomHex8())
	lots := order.Lots
	if lots <= 0 {
		lots = 1
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"instrument":      order.Instrument,
		"action":          string(order.Action),
		"lots":            lots,
		"idempotency_key": key,
		"timestamp":       g.now().UTC().Format(time.RFC3339),
	})

	delay := g.initialDelay
	var lastErr string
	attempts := 0
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		attempts = attempt
		resp, err := g.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "text/plain").
			SetBody(string(payload)).
			Post(url)

		switch {
		case err != nil:
			lastErr = err.Error()
			g.logger.WithError(err).WithFields(logrus.Fields{
				"instrument": order.Instrument,
				"attempt":    attempt,
			}).Warn("order delivery failed")
		case resp.StatusCode() == 200:
			orderID := parseOrderID(resp.String())
			g.registerPending(key, Record{
				Order:     order,
				OrderID:   orderID,
				Timestamp: g.now().UTC(),
				Status:    "pending",
			})
			g.logger.WithFields(logrus.Fields{
				"instrument":      order.Instrument,
				"action":          order.Action,
				"lots":            lots,
				"order_id":        orderID,
				"idempotency_key": key,
				"attempt":         attempt,
			}).Info("order placed")
			return OrderResult{
				Order:          order,
				Success:        true,
				Status:         resp.StatusCode(),
				OrderID:        orderID,
				IdempotencyKey: key,
				Attempts:       attempt,
			}
		default:
			lastErr = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
			g.logger.WithFields(logrus.Fields{
				"instrument": order.Instrument,
				"attempt":    attempt,
				"status":     resp.StatusCode(),
			}).Warn("order delivery rejected")
		}

		if attempt < g.maxRetries {
			if !sleepCtx(ctx, delay) {
				lastErr = ctx.Err().Error()
				break
			}
			delay *= 2
			if delay > g.maxDelay {
				delay = g.maxDelay
			}
		}
	}

	g.logger.WithFields(logrus.Fields{
		"instrument": order.Instrument,
		"error":      lastErr,
	}).Error("order failed after all attempts")
	return OrderResult{
		Order:          order,
		Success:        false,
		IdempotencyKey: key,
		Error:          lastErr,
		Attempts:       attempts,
	}
}

// ConfirmFill moves a pending record to the filled ledger and invokes the
// fill callback. Unknown keys return false.
func (g *Gateway) ConfirmFill(idempotencyKey string, fillPrice float64, fillTime time.Time) bool {
	g.mu.Lock()
	rec, ok := g.pending[idempotencyKey]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, idempotencyKey)
	rec.Status = "filled"
	rec.FillPrice = fillPrice
	if fillTime.IsZero() {
		fillTime = g.now().UTC()
	}
	rec.FillTime = fillTime.UTC().Format(time.RFC3339)
	g.filled[idempotencyKey] = rec
	cb := g.fillCallback
	pendingSnap := copyRecords(g.pending)
	filledSnap := copyRecords(g.filled)
	g.mu.Unlock()

	g.filledLedger.append(idempotencyKey, rec)
	g.filledLedger.writeSnapshot(filledSnap)
	g.pendingLedger.writeSnapshot(pendingSnap)

	g.logger.WithFields(logrus.Fields{
		"idempotency_key": idempotencyKey,
		"fill_price":      fillPrice,
	}).Info("order filled")

	if cb != nil {
		g.invokeFillCallback(cb, idempotencyKey, rec)
	}
	return true
}

// Callback failures are contained; a panicking consumer must not take the
// gateway down with it.
func (g *Gateway) invokeFillCallback(cb FillCallback, key string, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WithField("panic", r).Error("fill callback panicked")
		}
	}()
	cb(key, rec)
}

// PollPending reconciles still-pending orders against the status endpoint,
// confirming fills whose broker status is terminal.
func (g *Gateway) PollPending(ctx context.Context) {
	if g.statusTemplate == "" {
		return
	}
	g.mu.Lock()
	snapshot := copyRecords(g.pending)
	g.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	for key, rec := range snapshot {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
		}
		url := statusURL(g.statusTemplate, rec.OrderID, key)

		resp, err := g.client.R().SetContext(ctx).Get(url)
		if err != nil || resp.StatusCode() != 200 {
			g.logger.WithField("idempotency_key", key).Debug("status poll failed")
			continue
		}

		status, fillPrice, fillTime := parseStatusResponse(resp.Body())
		if terminalStatuses[strings.ToLower(status)] {
			g.ConfirmFill(key, fillPrice, fillTime)
		}
	}
}

// statusURL substitutes the broker order id when the template asks for it
// and one is known, else the idempotency key.
func statusURL(template, orderID, idempotencyKey string) string {
	if orderID != "" && strings.Contains(template, "{order_id}") {
		return strings.ReplaceAll(template, "{order_id}", orderID)
	}
	return strings.ReplaceAll(template, "{idempotency_key}", idempotencyKey)
}

func parseStatusResponse(body []byte) (status string, fillPrice float64, fillTime time.Time) {
	var data struct {
		Status       string  `json:"status"`
		State        string  `json:"state"`
		FilledPrice  float64 `json:"filled_price"`
		AvgFillPrice float64 `json:"avg_fill_price"`
		FilledAt     string  `json:"filled_at"`
		Data         struct {
			Status       string  `json:"status"`
			AvgFillPrice float64 `json:"avg_fill_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", 0, time.Time{}
	}
	status = data.Status
	if status == "" {
		status = data.State
	}
	if status == "" {
		status = data.Data.Status
	}
	fillPrice = data.FilledPrice
	if fillPrice == 0 {
		fillPrice = data.AvgFillPrice
	}
	if fillPrice == 0 {
		fillPrice = data.Data.AvgFillPrice
	}
	if data.FilledAt != "" {
		if t, err := time.Parse(time.RFC3339, data.FilledAt); err == nil {
			fillTime = t
		}
	}
	return status, fillPrice, fillTime
}

// parseOrderID extracts a broker order id from the webhook response body,
// trying known JSON field names before falling back to pattern matching.
func parseOrderID(body string) string {
	if body == "" {
		return ""
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err == nil {
		for _, key := range []string{"order_id", "orderId", "id", "order_number", "orderNumber"} {
			if v, ok := raw[key]; ok {
				return rawToString(v)
			}
		}
		if nested, ok := raw["data"]; ok {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(nested, &inner); err == nil {
				for _, key := range []string{"order_id", "orderId", "id"} {
					if v, ok := inner[key]; ok {
						return rawToString(v)
					}
				}
			}
		}
	}

	for _, re := range []*regexp.Regexp{
		regexp.MustCompile(`(?i)order[_\s]?id["\s:]*([A-Za-z0-9\-]+)`),
		regexp.MustCompile(`(?i)id["\s:]*([A-Za-z0-9\-]+)`),
		regexp.MustCompile(`"([0-9]{10,})"`),
	} {
		if m := re.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	return ""
}

func rawToString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.Trim(string(v), `"`)
}

func (g *Gateway) registerPending(key string, rec Record) {
	g.mu.Lock()
	g.pending[key] = rec
	snapshot := copyRecords(g.pending)
	g.mu.Unlock()

	g.pendingLedger.append(key, rec)
	g.pendingLedger.writeSnapshot(snapshot)
}

func (g *Gateway) loadLedgers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range g.pendingLedger.load() {
		g.pending[k] = v
	}
	for k, v := range g.filledLedger.load() {
		g.filled[k] = v
	}
	if len(g.pending) > 0 || len(g.filled) > 0 {
		g.logger.WithFields(logrus.Fields{
			"pending": len(g.pending),
			"filled":  len(g.filled),
		}).Info("order ledgers reloaded")
	}
}

// PendingOrders returns a copy of the pending ledger.
func (g *Gateway) PendingOrders() map[string]Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyRecords(g.pending)
}

// FilledOrders returns a copy of the filled ledger.
func (g *Gateway) FilledOrders() map[string]Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyRecords(g.filled)
}

// PendingCount returns the number of unreconciled orders.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// FilledCount returns the number of confirmed fills.
func (g *Gateway) FilledCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.filled)
}

// BreakerState reports the delivery breaker state for the dashboard.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}

func copyRecords(in map[string]Record) map[string]Record {
	out := make(map[string]Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func randomHex8() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sleepCtx waits for d or until the context is done; it reports whether the
// full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
