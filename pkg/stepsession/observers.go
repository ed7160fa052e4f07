package stepsession

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/channel"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StepObserver receives every successfully decoded sample
type StepObserver func(channel.StepSample)

// ErrorObserver receives decode errors and session failures
type ErrorObserver func(error)

// Registration is a handle to one registered observer
type Registration struct {
	once   sync.Once
	remove func()
}

// Remove unregisters the observer. Once Remove returns, the observer is not
// invoked again except for a delivery already in progress. Idempotent.
func (r *Registration) Remove() {
	if r == nil {
		return
	}
	r.once.Do(r.remove)
}

type registered[F any] struct {
	fn     F
	active atomic.Bool
}

// observerList keeps observers in registration order. Delivery walks a
// snapshot, so observers may register or remove from inside a callback.
type observerList[F any] struct {
	kind   string
	logger *logrus.Logger

	mu      sync.Mutex
	nextID  uint64
	entries *orderedmap.OrderedMap[uint64, *registered[F]]
}

func newObserverList[F any](kind string, logger *logrus.Logger) *observerList[F] {
	return &observerList[F]{
		kind:    kind,
		logger:  logger,
		entries: orderedmap.New[uint64, *registered[F]](),
	}
}

func (l *observerList[F]) add(fn F) *Registration {
	r := &registered[F]{fn: fn}
	r.active.Store(true)

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries.Set(id, r)
	l.mu.Unlock()

	return &Registration{remove: func() {
		r.active.Store(false)
		l.mu.Lock()
		l.entries.Delete(id)
		l.mu.Unlock()
	}}
}

func (l *observerList[F]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

func (l *observerList[F]) snapshot() []*registered[F] {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*registered[F], 0, l.entries.Len())
	for pair := l.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// each calls invoke for every active observer, outside the lock
func (l *observerList[F]) each(invoke func(F)) {
	for _, r := range l.snapshot() {
		if !r.active.Load() {
			continue
		}
		l.call(r, invoke)
	}
}

func (l *observerList[F]) call(r *registered[F], invoke func(F)) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.WithFields(logrus.Fields{
				"observer": l.kind,
				"panic":    p,
			}).Error("Observer panicked")
		}
	}()
	invoke(r.fn)
}
