// Package ordertracker drives orders through their lifecycle against an
// exchange backend, retrying transient faults on a fixed cooldown.
package ordertracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"adaptive-grid-bot/internal/exchange"
	"adaptive-grid-bot/internal/metrics"
	"adaptive-grid-bot/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrOrderInFlight is returned by Submit while a previous order is not terminal.
	ErrOrderInFlight = errors.New("an order is still in flight")
	// ErrThrottled is returned by Submit when the order rate limit is reached.
	ErrThrottled = errors.New("order rate limit reached")
	// ErrStopped is returned by Submit after Drain.
	ErrStopped = errors.New("order tracker stopped")
)

// Config holds the tracker's retry, polling and throttle settings.
type Config struct {
	MaxRetries     int
	Cooldown       time.Duration // fixed delay between attempts
	PollInterval   time.Duration // status polling for accepted but unfilled orders
	OrderTimeout   time.Duration // an accepted order still open after this is cancelled
	ThrottleLimit  int           // max orders per ThrottleWindow, 0 disables
	ThrottleWindow time.Duration
	HistoryLimit   int // terminal orders kept in memory
	// MaxPollFailures consecutive failed status polls end the order:
	// CANCELLED when the exchange does not know it, FAILED otherwise.
	MaxPollFailures int
}

// Journal records every order transition.
type Journal interface {
	RecordOrder(order models.Order) error
}

// Tracker owns the order collection. Each submitted order is driven by its
// own goroutine; all mutations happen under mu.
type Tracker struct {
	ex      exchange.Exchange
	cfg     Config
	journal Journal
	logger  *zap.Logger

	mu     sync.Mutex
	orders map[string]*models.Order
	seq    []string // creation order
	sent   []time.Time
	stats  statsAccumulator

	onTerminal func(models.Order)
	onFatal    func(error)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	now     func() time.Time
}

// NewTracker creates a tracker. journal may be nil.
func NewTracker(ex exchange.Exchange, cfg Config, journal Journal, logger *zap.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		ex:      ex,
		cfg:     cfg,
		journal: journal,
		logger:  logger,
		orders:  make(map[string]*models.Order),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// OnTerminal registers the callback invoked once per order reaching a terminal state.
func (t *Tracker) OnTerminal(fn func(models.Order)) {
	t.mu.Lock()
	t.onTerminal = fn
	t.mu.Unlock()
}

// OnFatal registers the callback for faults that must stop the process.
func (t *Tracker) OnFatal(fn func(error)) {
	t.mu.Lock()
	t.onFatal = fn
	t.mu.Unlock()
}

// Submit creates an order for a trigger and dispatches it. It never blocks on
// the exchange.
func (t *Tracker) Submit(triggerID string, target models.PositionTarget, refPrice float64) (models.Order, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return models.Order{}, ErrStopped
	}
	if open := t.openLocked(); len(open) > 0 {
		t.mu.Unlock()
		return models.Order{}, fmt.Errorf("%w: %s is %s", ErrOrderInFlight, open[0].ID, open[0].Status)
	}
	now := t.now()
	if !t.allowLocked(now) {
		t.mu.Unlock()
		return models.Order{}, ErrThrottled
	}
	if target.Quantity <= 0 || (target.Side != models.Buy && target.Side != models.Sell) {
		t.mu.Unlock()
		return models.Order{}, fmt.Errorf("invalid order target %+v", target)
	}

	id := NewClientOrderID()
	order := &models.Order{
		ID:            id,
		ClientOrderID: id,
		TriggerID:     triggerID,
		Side:          target.Side,
		Price:         refPrice,
		Quantity:      target.Quantity,
		Status:        models.StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.orders[id] = order
	t.seq = append(t.seq, id)
	t.sent = append(t.sent, now)
	t.stats.total++
	snapshot := *order
	t.wg.Add(1)
	t.mu.Unlock()

	t.record(snapshot)
	t.logger.Info("Order created",
		zap.String("id", id),
		zap.String("trigger", triggerID),
		zap.String("side", string(target.Side)),
		zap.Float64("quantity", target.Quantity),
		zap.Float64("refPrice", refPrice))

	go t.run(id)
	return snapshot, nil
}

// allowLocked applies the sliding-window throttle.
func (t *Tracker) allowLocked(now time.Time) bool {
	if t.cfg.ThrottleLimit <= 0 {
		return true
	}
	cutoff := now.Add(-t.cfg.ThrottleWindow)
	kept := t.sent[:0]
	for _, ts := range t.sent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.sent = kept
	return len(t.sent) < t.cfg.ThrottleLimit
}

// run is the per-order state machine.
func (t *Tracker) run(id string) {
	defer t.wg.Done()

	resubmit := true
	for {
		var (
			res *models.OrderResult
			err error
		)
		order, ok := t.Get(id)
		if !ok || order.Status.IsTerminal() {
			return
		}
		req := models.OrderRequest{
			ClientOrderID: order.ClientOrderID,
			Side:          order.Side,
			Quantity:      order.Quantity,
			Price:         order.Price,
		}

		if resubmit {
			t.update(id, func(o *models.Order) {
				o.Status = models.StatusSubmitted
				o.LastAttemptAt = t.now()
			})
			metrics.OrdersAttempted.Inc()
			res, err = t.ex.CreateOrder(t.ctx, req)
		} else {
			// The previous attempt may have reached the exchange before failing.
			res, err = t.ex.GetOrder(t.ctx, order.ClientOrderID)
			if errors.Is(err, exchange.ErrOrderNotFound) {
				resubmit = true
				continue
			}
		}

		if err == nil {
			t.follow(id, res)
			return
		}
		if t.ctx.Err() != nil {
			return
		}
		if errors.Is(err, exchange.ErrSimulationInvariant) {
			t.fail(id, err, "invariant")
			t.reportFatal(err)
			return
		}
		if !exchange.IsTransient(err) {
			t.fail(id, err, "fatal")
			return
		}
		if !t.scheduleRetry(id, err) {
			return
		}
		if !t.sleep(t.cfg.Cooldown) {
			return
		}
		resubmit = false
	}
}

// scheduleRetry consumes one retry, or fails the order once the budget is spent.
func (t *Tracker) scheduleRetry(id string, cause error) bool {
	retry := false
	var attempt int
	t.update(id, func(o *models.Order) {
		o.LastError = cause.Error()
		if o.RetryCount < t.cfg.MaxRetries {
			o.RetryCount++
			attempt = o.RetryCount
			retry = true
		}
	})
	if !retry {
		t.fail(id, fmt.Errorf("retries exhausted: %w", cause), "retries_exhausted")
		return false
	}
	metrics.OrderRetries.Inc()
	t.logger.Warn("Transient exchange fault, retrying after cooldown",
		zap.String("id", id),
		zap.Int("retry", attempt),
		zap.Int("maxRetries", t.cfg.MaxRetries),
		zap.Duration("cooldown", t.cfg.Cooldown),
		zap.Error(cause))
	return true
}

// follow tracks an accepted order until it is terminal. A timed-out order is
// cancelled, and the cancel is repeated on every poll until it goes through.
func (t *Tracker) follow(id string, res *models.OrderResult) {
	deadline := t.now().Add(t.cfg.OrderTimeout)
	cancelDone := false
	failures := 0
	for {
		if t.apply(id, res) {
			return
		}
		if !t.sleep(t.cfg.PollInterval) {
			return
		}
		order, _ := t.Get(id)
		if !cancelDone && t.cfg.OrderTimeout > 0 && t.now().After(deadline) {
			t.logger.Warn("Order still open after timeout, cancelling", zap.String("id", id))
			if _, err := t.ex.CancelOrder(t.ctx, order.ClientOrderID); err != nil {
				t.logger.Warn("Cancel request failed", zap.String("id", id), zap.Error(err))
			} else {
				cancelDone = true
			}
		}
		next, err := t.ex.GetOrder(t.ctx, order.ClientOrderID)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			failures++
			t.logger.Warn("Order status poll failed",
				zap.String("id", id),
				zap.Int("failures", failures),
				zap.Int("maxFailures", t.cfg.MaxPollFailures),
				zap.Error(err))
			if failures < t.cfg.MaxPollFailures {
				res = nil
				continue
			}
			if errors.Is(err, exchange.ErrOrderNotFound) {
				t.transition(id, models.StatusCancelled, func(o *models.Order) {
					o.LastError = "not found on exchange"
				}, "")
				return
			}
			t.fail(id, fmt.Errorf("status unknown after %d polls: %w", failures, err), "unresolved")
			return
		}
		failures = 0
		res = next
	}
}

// apply merges an exchange result into the order. It reports whether the
// order is terminal afterwards.
func (t *Tracker) apply(id string, res *models.OrderResult) bool {
	if res == nil {
		return false
	}
	status := res.Status
	if status == "" {
		status = models.StatusSubmitted
	}
	return t.transition(id, status, func(o *models.Order) {
		if res.ExchangeOrderID != "" {
			o.ExchangeOrderID = res.ExchangeOrderID
		}
		if res.FilledQty > 0 {
			o.FilledQty = res.FilledQty
			o.AvgFillPrice = res.AvgFillPrice
		}
		if res.Fee > 0 {
			o.Fee = res.Fee
		}
	}, "")
}

func (t *Tracker) fail(id string, cause error, reason string) {
	t.transition(id, models.StatusFailed, func(o *models.Order) {
		o.LastError = cause.Error()
	}, reason)
}

// transition moves an order to status. A terminal order never moves again.
// The terminal callback, journal and metrics run outside the lock.
func (t *Tracker) transition(id string, status models.OrderStatus, mutate func(*models.Order), reason string) bool {
	t.mu.Lock()
	o, ok := t.orders[id]
	if !ok {
		t.mu.Unlock()
		return true
	}
	if o.Status.IsTerminal() {
		t.mu.Unlock()
		return true
	}
	if mutate != nil {
		mutate(o)
	}
	o.Status = status
	o.UpdatedAt = t.now()
	terminal := status.IsTerminal()
	if terminal {
		t.stats.observe(*o)
		t.pruneLocked()
	}
	snapshot := *o
	callback := t.onTerminal
	t.mu.Unlock()

	t.record(snapshot)
	if !terminal {
		return false
	}

	switch snapshot.Status {
	case models.StatusFilled:
		metrics.OrdersFilled.WithLabelValues(string(snapshot.Side)).Inc()
		t.logger.Info("Order filled",
			zap.String("id", snapshot.ID),
			zap.String("side", string(snapshot.Side)),
			zap.Float64("quantity", snapshot.FilledQty),
			zap.Float64("price", snapshot.AvgFillPrice),
			zap.Float64("fee", snapshot.Fee),
			zap.Int("retries", snapshot.RetryCount))
	case models.StatusFailed:
		if reason == "" {
			reason = "rejected"
		}
		metrics.OrdersFailed.WithLabelValues(reason).Inc()
		t.logger.Warn("Order failed",
			zap.String("id", snapshot.ID),
			zap.String("reason", reason),
			zap.Int("retries", snapshot.RetryCount),
			zap.String("error", snapshot.LastError))
	case models.StatusCancelled:
		t.logger.Warn("Order cancelled",
			zap.String("id", snapshot.ID),
			zap.Float64("filledQty", snapshot.FilledQty),
			zap.String("error", snapshot.LastError))
	}
	if callback != nil {
		callback(snapshot)
	}
	return true
}

func (t *Tracker) update(id string, mutate func(*models.Order)) {
	t.mu.Lock()
	o, ok := t.orders[id]
	if !ok || o.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	mutate(o)
	o.UpdatedAt = t.now()
	snapshot := *o
	t.mu.Unlock()
	t.record(snapshot)
}

// pruneLocked drops the oldest terminal orders beyond HistoryLimit.
func (t *Tracker) pruneLocked() {
	terminal := 0
	for _, id := range t.seq {
		if t.orders[id].Status.IsTerminal() {
			terminal++
		}
	}
	if terminal <= t.cfg.HistoryLimit {
		return
	}
	drop := terminal - t.cfg.HistoryLimit
	kept := t.seq[:0]
	for _, id := range t.seq {
		if drop > 0 && t.orders[id].Status.IsTerminal() {
			delete(t.orders, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	t.seq = kept
}

func (t *Tracker) record(order models.Order) {
	if t.journal == nil {
		return
	}
	if err := t.journal.RecordOrder(order); err != nil {
		t.logger.Error("Failed to journal order", zap.String("id", order.ID), zap.Error(err))
	}
}

func (t *Tracker) reportFatal(err error) {
	t.mu.Lock()
	fn := t.onFatal
	t.mu.Unlock()
	t.logger.Error("Fatal fault in order execution", zap.Error(err))
	if fn != nil {
		fn(err)
	}
}

// sleep waits d on a timer; it returns false when the tracker is stopping.
func (t *Tracker) sleep(d time.Duration) bool {
	if d <= 0 {
		return t.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Get returns a copy of an order.
func (t *Tracker) Get(id string) (models.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// InFlight reports whether any order is not terminal.
func (t *Tracker) InFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.openLocked()) > 0
}

// Open returns copies of the non-terminal orders in creation order.
func (t *Tracker) Open() []models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

func (t *Tracker) openLocked() []models.Order {
	var open []models.Order
	for _, id := range t.seq {
		if o := t.orders[id]; !o.Status.IsTerminal() {
			open = append(open, *o)
		}
	}
	return open
}

// Recent returns up to n orders, newest first.
func (t *Tracker) Recent(n int) []models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Order, 0, n)
	for i := len(t.seq) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *t.orders[t.seq[i]])
	}
	return out
}

// Stats returns the execution statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.snapshot()
}

// Drain stops retries and polling, then asks the exchange for the final
// status of every open order within timeout. Orders that are still open are
// marked PENDING_AT_SHUTDOWN and returned.
func (t *Tracker) Drain(timeout time.Duration) []models.Order {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.logger.Warn("Order goroutines did not stop before drain timeout")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.settle(ctx, true)
}

// Restore re-inserts orders that were open when the previous process stopped.
func (t *Tracker) Restore(orders []models.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		if _, exists := t.orders[o.ID]; exists {
			continue
		}
		restored := o
		t.orders[o.ID] = &restored
		t.seq = append(t.seq, o.ID)
	}
}

// Reconcile resolves restored orders against the exchange. Orders that cannot
// be resolved stay open and are returned.
func (t *Tracker) Reconcile(ctx context.Context) []models.Order {
	return t.settle(ctx, false)
}

func (t *Tracker) settle(ctx context.Context, shutdown bool) []models.Order {
	var pending []models.Order
	for _, o := range t.Open() {
		if o.Status == models.StatusCreated {
			t.transition(o.ID, models.StatusCancelled, func(o *models.Order) {
				o.LastError = "never sent to exchange"
			}, "")
			continue
		}
		res, err := t.ex.GetOrder(ctx, o.ClientOrderID)
		switch {
		case err == nil:
			if t.apply(o.ID, res) {
				continue
			}
		case errors.Is(err, exchange.ErrOrderNotFound):
			t.transition(o.ID, models.StatusCancelled, func(o *models.Order) {
				o.LastError = "not found on exchange"
			}, "")
			continue
		default:
			t.logger.Warn("Could not resolve order status", zap.String("id", o.ID), zap.Error(err))
		}

		if shutdown {
			t.update(o.ID, func(o *models.Order) { o.Status = models.StatusPendingAtShutdown })
		}
		if current, ok := t.Get(o.ID); ok {
			pending = append(pending, current)
		}
	}
	return pending
}
