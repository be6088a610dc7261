package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
)

// addressSuffix marks a normalized individual address
const addressSuffix = "@c.us"

// Receipt describes a delivered send
type Receipt struct {
	IdempotencyKey string `json:"idempotencyKey"`
	TenantID       string `json:"tenantId"`
	Recipient      string `json:"recipient"`
	MessageID      string `json:"messageId"`
	Attempts       int    `json:"attempts"`
	Timestamp      int64  `json:"timestamp"`
}

// SendResult is the outcome of a queued send
type SendResult struct {
	Receipt *Receipt
	Err     error
}

// Ticket tracks a queued send
type Ticket struct {
	IdempotencyKey string
	done           chan SendResult
}

// Done delivers exactly one result once the send finishes
func (t *Ticket) Done() <-chan SendResult {
	return t.done
}

type sendTask struct {
	TenantID       string
	Recipient      string
	Content        channel.Content
	IdempotencyKey string
	Attempts       int
	EnqueuedAt     time.Time
	done           chan SendResult
}

// Dispatcher delivers outbound payloads with readiness waits and bounded retry
type Dispatcher struct {
	cfg        Config
	registry   *Registry
	supervisor *Supervisor
	database   *db.DB
	metrics    *metrics.Metrics

	queue   chan *sendTask
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	stopped bool
}

func newDispatcher(cfg Config, registry *Registry, supervisor *Supervisor, database *db.DB, m *metrics.Metrics) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		supervisor: supervisor,
		database:   database,
		metrics:    m,
		queue:      make(chan *sendTask, size),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the queue workers
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		workers := d.cfg.QueueWorkers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		log.Info().Int("workers", workers).Int("queueSize", cap(d.queue)).Msg("send queue started")
	})
}

// Stop cancels in-flight queued sends and waits for the workers. Sends
// still queued are answered with a shutdown error.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	for {
		select {
		case task := <-d.queue:
			d.abandon(task)
		default:
			d.metrics.QueueDepth.Set(0)
			return
		}
	}
}

func (d *Dispatcher) abandon(task *sendTask) {
	log.Warn().Str("tenantId", task.TenantID).Str("idempotencyKey", task.IdempotencyKey).Msg("queued send dropped at shutdown")
	task.done <- SendResult{Err: &TerminalError{TenantID: task.TenantID, Reason: "send abandoned", Err: ErrShuttingDown}}
}

// Send delivers content to recipient through the tenant's session
func (d *Dispatcher) Send(ctx context.Context, tenantID, recipient string, content channel.Content) (*Receipt, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	task := d.newTask(tenantID, recipient, content)
	return d.run(ctx, task)
}

// Enqueue places a send on the bounded queue. A full queue is a terminal error.
func (d *Dispatcher) Enqueue(tenantID, recipient string, content channel.Content) (*Ticket, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	// Stop drains the queue once; nothing may be added after it.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return nil, ErrShuttingDown
	}

	task := d.newTask(tenantID, recipient, content)
	task.done = make(chan SendResult, 1)

	select {
	case d.queue <- task:
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return &Ticket{IdempotencyKey: task.IdempotencyKey, done: task.done}, nil
	default:
		d.metrics.QueueRejected.Inc()
		log.Warn().Str("tenantId", tenantID).Int("queueSize", cap(d.queue)).Msg("send queue full")
		return nil, &TerminalError{TenantID: tenantID, Reason: "send rejected", Err: ErrQueueFull}
	}
}

// QueueDepth returns the number of queued sends
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case task := <-d.queue:
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
			if d.ctx.Err() != nil {
				d.abandon(task)
				continue
			}
			receipt, err := d.run(d.ctx, task)
			task.done <- SendResult{Receipt: receipt, Err: err}
		case <-d.ctx.Done():
			log.Debug().Int("worker", id).Msg("send worker stopped")
			return
		}
	}
}

func (d *Dispatcher) newTask(tenantID, recipient string, content channel.Content) *sendTask {
	attempts := d.cfg.SendAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if content.IsMedia() && !d.cfg.MediaSendRetry {
		attempts = 1
	}
	return &sendTask{
		TenantID:       tenantID,
		Recipient:      recipient,
		Content:        content,
		IdempotencyKey: uuid.NewString(),
		Attempts:       attempts,
		EnqueuedAt:     time.Now(),
	}
}

func (d *Dispatcher) run(ctx context.Context, task *sendTask) (*Receipt, error) {
	start := time.Now()
	receipt, err := d.send(ctx, task, task.Attempts)
	d.metrics.SendDuration.Observe(time.Since(start).Seconds())

	kind := contentKind(task.Content)
	if err != nil {
		d.metrics.SendsTotal.WithLabelValues(kind, "error").Inc()
		log.Error().Err(err).Str("tenantId", task.TenantID).Str("idempotencyKey", task.IdempotencyKey).Msg("send failed")
		return nil, err
	}
	d.metrics.SendsTotal.WithLabelValues(kind, "ok").Inc()
	return receipt, nil
}

// send is one attempt; a retryable failure resolves the conflict and recurses
// with one attempt fewer.
func (d *Dispatcher) send(ctx context.Context, task *sendTask, attemptsRemaining int) (*Receipt, error) {
	if err := d.awaitReady(ctx, task.TenantID); err != nil {
		return nil, err
	}

	address := NormalizeAddress(task.Recipient)
	if address == "" {
		return nil, &TerminalError{TenantID: task.TenantID, Reason: "invalid recipient " + task.Recipient}
	}

	attempt := task.Attempts - attemptsRemaining + 1
	result, err := d.deliver(ctx, task, address)
	if err == nil {
		return d.record(ctx, task, address, result, attempt), nil
	}

	if !IsRetryable(err) {
		return nil, &TerminalError{TenantID: task.TenantID, Reason: "send failed", Attempts: attempt, Err: err}
	}
	if attemptsRemaining <= 1 {
		return nil, &TerminalError{TenantID: task.TenantID, Reason: "send attempts exhausted", Attempts: attempt, Err: err}
	}

	log.Warn().Err(err).
		Str("tenantId", task.TenantID).
		Int("attemptsRemaining", attemptsRemaining-1).
		Msg("retryable send failure, resolving conflict")
	d.metrics.SendRetries.Inc()

	if err := d.supervisor.ResolveConflict(ctx, task.TenantID, err.Error()); err != nil && !errors.Is(err, ErrAlreadyInitializing) {
		return nil, &TerminalError{TenantID: task.TenantID, Reason: "conflict resolution failed", Attempts: attempt, Err: err}
	}
	return d.send(ctx, task, attemptsRemaining-1)
}

func (d *Dispatcher) deliver(ctx context.Context, task *sendTask, address string) (*channel.SendResult, error) {
	h := d.registry.Handle(task.TenantID)
	if h == nil {
		return nil, &SessionConflictError{TenantID: task.TenantID, Reason: "handle closed", Err: channel.ErrClosed}
	}

	registered, err := h.IsRegistered(ctx, address)
	if err != nil {
		log.Warn().Err(err).Str("tenantId", task.TenantID).Str("recipient", address).Msg("registration check failed")
	} else if !registered {
		log.Warn().Str("tenantId", task.TenantID).Str("recipient", address).Msg("recipient is not registered on the network")
	}

	return h.SendPayload(ctx, address, task.Content)
}

func (d *Dispatcher) record(ctx context.Context, task *sendTask, address string, result *channel.SendResult, attempt int) *Receipt {
	receipt := &Receipt{
		IdempotencyKey: task.IdempotencyKey,
		TenantID:       task.TenantID,
		Recipient:      address,
		MessageID:      result.MessageID,
		Attempts:       attempt,
		Timestamp:      result.Timestamp,
	}

	_, err := d.database.Deliveries().Record(ctx, db.Delivery{
		IdempotencyKey:   task.IdempotencyKey,
		TenantID:         task.TenantID,
		Recipient:        address,
		Kind:             contentKind(task.Content),
		ChannelMessageID: result.MessageID,
		Attempts:         attempt,
	})
	if err != nil {
		log.Error().Err(err).Str("tenantId", task.TenantID).Str("idempotencyKey", task.IdempotencyKey).Msg("failed to record delivery")
	}
	return receipt
}

// awaitReady triggers initialization for a tenant that cannot send and waits
// up to ReadyWait for READY.
func (d *Dispatcher) awaitReady(ctx context.Context, tenantID string) error {
	state, known := d.registry.State(tenantID)
	if known && state.CanSend() {
		return nil
	}
	if state == StateFailed {
		return &TerminalError{TenantID: tenantID, Reason: "session needs reauthentication", Err: ErrReauthRequired}
	}

	log.Info().Str("tenantId", tenantID).Str("state", string(state)).Msg("session not ready, initializing before send")
	if err := d.supervisor.InitializeAsync(tenantID); err != nil && !errors.Is(err, ErrAlreadyInitializing) {
		return &TerminalError{TenantID: tenantID, Reason: "session not ready", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ReadyWait)
	defer cancel()

	state, err := d.registry.Wait(waitCtx, tenantID, func(s State) bool {
		return s == StateReady || s == StateFailed
	})
	if err != nil {
		return &TerminalError{TenantID: tenantID, Reason: "session not ready", Err: &TimeoutError{TenantID: tenantID, Op: "readiness wait", After: d.cfg.ReadyWait, Err: err}}
	}
	if state == StateFailed {
		return &TerminalError{TenantID: tenantID, Reason: "session needs reauthentication", Err: ErrReauthRequired}
	}
	return nil
}

// NormalizeAddress strips everything but digits and appends the individual
// address suffix. Returns "" when no digits remain.
func NormalizeAddress(recipient string) string {
	recipient = strings.TrimSuffix(recipient, addressSuffix)

	var b strings.Builder
	for _, r := range recipient {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + addressSuffix
}

func contentKind(c channel.Content) string {
	switch {
	case c.IsMedia():
		return "media"
	case c.IsTemplate():
		return "template"
	default:
		return "text"
	}
}
