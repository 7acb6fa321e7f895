package notification

import (
	"context"
	"log"
	"time"

	"ema-screener/internal/model"
)

const (
	defaultSinkQueue   = 100
	defaultSendTimeout = 15 * time.Second
)

// Sink adapts a Notifier to model.AlertSink. Alerts are queued and
// delivered by one worker so a slow channel never blocks the caller.
type Sink struct {
	notifier Notifier
	queue    chan string
	timeout  time.Duration

	// Optional hooks, used for metrics.
	OnSent   func()
	OnFailed func()
}

var _ model.AlertSink = (*Sink)(nil)

// NewSink creates a Sink with room for size pending alerts.
func NewSink(n Notifier, size int) *Sink {
	if size <= 0 {
		size = defaultSinkQueue
	}
	return &Sink{notifier: n, queue: make(chan string, size), timeout: defaultSendTimeout}
}

// SendAlert queues the message. A full queue drops it.
func (s *Sink) SendAlert(message string) {
	select {
	case s.queue <- message:
	default:
		log.Printf("[notify] alert queue full, dropping alert")
		s.failed()
	}
}

// Run delivers queued alerts until ctx is cancelled, then drains what is
// already queued with a fresh timeout per alert.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-s.queue:
					s.deliver(context.Background(), msg)
				default:
					return
				}
			}
		case msg := <-s.queue:
			s.deliver(ctx, msg)
		}
	}
}

func (s *Sink) deliver(ctx context.Context, msg string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.notifier.Send(ctx, Alert{Level: AlertCritical, Message: msg}); err != nil {
		log.Printf("[notify] alert delivery failed: %v", err)
		s.failed()
		return
	}
	if s.OnSent != nil {
		s.OnSent()
	}
}

func (s *Sink) failed() {
	if s.OnFailed != nil {
		s.OnFailed()
	}
}
