package control

import (
	"context"
	"sync"
	"time"

	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
)

// StatusPublisher receives each polled snapshot. Implemented by the
// telemetry package; nil disables publishing.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, st laser.Status) error
}

// Poller refreshes the instrument snapshot on a fixed interval and
// fans it out to subscribed WebSocket clients and the telemetry
// publisher.
//
// Start and Stop may be called repeatedly; each Start launches a fresh
// loop and each Stop waits for the running loop to exit.
type Poller struct {
	interval  time.Duration
	laser     *laser.Controller
	hub       *Hub
	publisher StatusPublisher
	logger    *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. publisher may be nil.
func NewPoller(interval time.Duration, ctrl *laser.Controller, hub *Hub, publisher StatusPublisher, logger *logging.Logger) *Poller {
	return &Poller{
		interval:  interval,
		laser:     ctrl,
		hub:       hub,
		publisher: publisher,
		logger:    logger.With("component", "poller"),
	}
}

// Start launches the polling loop. Calling Start on a running poller is
// a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(loopCtx, p.done)
	p.logger.Info("status polling started", "interval", p.interval)
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("status polling stopped")
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll performs one refresh-and-broadcast cycle. Refresh failures are
// logged and the loop carries on; a transient serial hiccup must not
// kill polling.
//
// The refresh context is detached from the loop context so that Stop
// never aborts an exchange mid-flight; it stays bounded by its own
// timeout.
func (p *Poller) poll(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.interval*4)
	defer cancel()

	if err := p.laser.Refresh(refreshCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("status refresh failed", "error", err)
		return
	}

	st := p.laser.Status()
	p.hub.Broadcast(EventStatus, st)

	if p.publisher != nil {
		if err := p.publisher.PublishStatus(refreshCtx, st); err != nil {
			p.logger.Warn("telemetry publish failed", "error", err)
		}
	}
}
