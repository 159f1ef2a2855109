package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/depotlab/commons/pkg/members"
	"github.com/depotlab/commons/pkg/observability"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 500 * time.Millisecond
	defaultLogSize     = 256
	queueSize          = 1024
)

// Sender is the delivery transport. Production wires an email or webhook
// sender; the default LogSender just records the event.
type Sender interface {
	Deliver(ctx context.Context, n members.Notification) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, n members.Notification) error

// Deliver implements Sender.
func (f SenderFunc) Deliver(ctx context.Context, n members.Notification) error {
	return f(ctx, n)
}

// LogSender writes notifications to the structured log. Used when no real
// transport is configured.
func LogSender(logger *observability.Logger) Sender {
	return SenderFunc(func(_ context.Context, n members.Notification) error {
		logger.WithFields(map[string]interface{}{
			"kind":         n.Kind,
			"user_id":      n.UserID,
			"community_id": n.CommunityID,
			"request_id":   n.RequestID,
		}).Info("Notification")
		return nil
	})
}

// Delivery is one logged delivery attempt sequence.
type Delivery struct {
	Notification members.Notification `json:"notification"`
	Attempts     int                  `json:"attempts"`
	Succeeded    bool                 `json:"succeeded"`
	LastError    string               `json:"last_error,omitempty"`
	FinishedAt   time.Time            `json:"finished_at"`
}

// Dispatcher delivers notifications asynchronously. It implements
// members.Notifier: Send enqueues and returns immediately; a worker
// goroutine attempts delivery with exponential backoff.
type Dispatcher struct {
	sender      Sender
	logger      *observability.Logger
	maxAttempts int
	baseBackoff time.Duration

	queue chan members.Notification
	wg    sync.WaitGroup

	mu  sync.Mutex
	log []Delivery

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(sender Sender, logger *observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	d := &Dispatcher{
		sender:      sender,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		queue:       make(chan members.Notification, queueSize),
		closed:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Send enqueues a notification for delivery. It never blocks the caller: a
// full queue drops the notification with a logged warning, because deliveries
// are best-effort once the owning transaction has committed.
func (d *Dispatcher) Send(_ context.Context, n members.Notification) error {
	select {
	case <-d.closed:
		return fmt.Errorf("notification dispatcher is shut down")
	default:
	}

	select {
	case d.queue <- n:
		return nil
	default:
		d.logger.WithField("kind", n.Kind).Warn("Notification queue full, dropping delivery")
		return nil
	}
}

// Shutdown stops accepting new notifications and waits for the queue to
// drain, up to the given timeout.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.closeOnce.Do(func() {
		close(d.closed)
		close(d.queue)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("Notification dispatcher shutdown timed out")
	}
}

// Recent returns a copy of the bounded delivery log, newest last.
func (d *Dispatcher) Recent() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.log))
	copy(out, d.log)
	return out
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n members.Notification) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lastErr = d.sender.Deliver(ctx, n)
		cancel()

		if lastErr == nil {
			d.record(Delivery{Notification: n, Attempts: attempt, Succeeded: true, FinishedAt: time.Now().UTC()})
			return
		}
		if attempt < d.maxAttempts {
			time.Sleep(d.baseBackoff * (1 << (attempt - 1)))
		}
	}

	d.logger.WithError(lastErr).WithField("kind", n.Kind).Error("Notification delivery failed")
	d.record(Delivery{
		Notification: n,
		Attempts:     d.maxAttempts,
		LastError:    lastErr.Error(),
		FinishedAt:   time.Now().UTC(),
	})
}

func (d *Dispatcher) record(delivery Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, delivery)
	if len(d.log) > defaultLogSize {
		d.log = d.log[len(d.log)-defaultLogSize:]
	}
}
