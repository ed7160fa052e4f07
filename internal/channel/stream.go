package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/stepble/internal/device"
)

// DefaultStreamBuffer is the number of raw payloads a stream holds before
// the oldest are overwritten
const DefaultStreamBuffer uint32 = 256

// Stream is the raw notification sequence of one subscription. It is lazy and
// unbounded; a slow reader loses the oldest payloads rather than blocking the
// stack's delivery goroutine. The stream ends when the subscription is
// cancelled (io.EOF) or the link is lost (ErrLinkLost).
type Stream struct {
	handle device.CharacteristicHandle

	buffer mpmc.RichOverlappedRingBuffer[[]byte]
	signal chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	dropped atomic.Uint64
}

func newStream(h device.CharacteristicHandle, size uint32) *Stream {
	if size == 0 {
		size = DefaultStreamBuffer
	}
	return &Stream{
		handle: h,
		buffer: mpmc.NewOverlappedRingBuffer[[]byte](size),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Handle returns the characteristic this stream is bound to
func (s *Stream) Handle() device.CharacteristicHandle {
	return s.handle
}

// Recv blocks until the next payload arrives, the stream ends, or ctx is done.
// Payloads buffered before the end are still returned.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if v, ok := s.next(); ok {
			return v, nil
		}
		select {
		case <-s.signal:
		case <-s.done:
			if v, ok := s.next(); ok {
				return v, nil
			}
			return nil, s.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the stream has ended
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns why the stream ended, or nil while it is open
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Dropped returns how many payloads were overwritten before being read
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Stream) next() ([]byte, bool) {
	if s.buffer.IsEmpty() {
		return nil, false
	}
	v, err := s.buffer.Dequeue()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (s *Stream) push(payload []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	overwrites, err := s.buffer.EnqueueM(append([]byte(nil), payload...))
	if err != nil {
		s.dropped.Add(1)
		return
	}
	if overwrites > 0 {
		s.dropped.Add(uint64(overwrites))
	}

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Stream) close(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		close(s.done)
	})
}
