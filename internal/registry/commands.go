package registry

import (
	"context"
	"fmt"

	"ema-screener/internal/model"
)

const defaultQueueSize = 64

// Commands is the FIFO ingress for watch-list commands. Any number of
// producers may Submit; exactly one consumer reads C().
type Commands struct {
	ch chan model.Command
}

// NewCommands creates a queue holding up to size pending commands.
func NewCommands(size int) *Commands {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Commands{ch: make(chan model.Command, size)}
}

// Submit validates and enqueues cmd, blocking while the queue is full
// until ctx is done.
func (c *Commands) Submit(ctx context.Context, cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	select {
	case c.ch <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submitting %s %s: %w", cmd.Action, cmd.Symbol, ctx.Err())
	}
}

// C returns the consumer side of the queue.
func (c *Commands) C() <-chan model.Command { return c.ch }

// Pending returns the number of queued commands.
func (c *Commands) Pending() int { return len(c.ch) }
