// Package fanout delivers values to any number of buffered subscriber
// channels without ever blocking the publisher.
package fanout

import "sync"

type Fanout[T any] struct {
	buffer int

	mu          sync.Mutex
	subscribers []chan T
	closed      bool
}

func New[T any](buffer int) *Fanout[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Fanout[T]{buffer: buffer}
}

// Subscribe returns a new channel. After Close it returns a closed channel.
func (f *Fanout[T]) Subscribe() <-chan T {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, f.buffer)
	if f.closed {
		close(ch)
		return ch
	}
	f.subscribers = append(f.subscribers, ch)
	return ch
}

func (f *Fanout[T]) Unsubscribe(ch <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, sub := range f.subscribers {
		if sub == ch {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish returns how many subscribers were full and missed v.
func (f *Fanout[T]) Publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for _, ch := range f.subscribers {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// PublishLatest never loses the signal: a full subscriber gives up its
// oldest pending value so v always gets in.
func (f *Fanout[T]) PublishLatest(v T) (replaced int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subscribers {
		for !trySend(ch, v) {
			select {
			case <-ch:
				replaced++
			default:
			}
		}
	}
	return replaced
}

// Close closes every subscriber channel. Further publishes are no-ops.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subscribers {
		close(ch)
	}
	f.subscribers = nil
	f.closed = true
}

func trySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
