package writes

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Completion resolves exactly once with the outcome of one write
type Completion struct {
	done       chan struct{}
	once       sync.Once
	err        error
	onComplete func(error)
	logger     *logrus.Logger
}

func newCompletion(onComplete func(error), logger *logrus.Logger) *Completion {
	return &Completion{
		done:       make(chan struct{}),
		onComplete: onComplete,
		logger:     logger,
	}
}

// Done is closed when the write has resolved
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the outcome once Done is closed, nil before that
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the write resolves or ctx ends
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve reports false if the completion had already fired
func (c *Completion) resolve(err error) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		c.err = err
		close(c.done)
	})
	if fired && c.onComplete != nil {
		c.callback(err)
	}
	return fired
}

func (c *Completion) callback(err error) {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.WithField("panic", r).Error("Write completion callback panicked")
		}
	}()
	c.onComplete(err)
}
