package chatsync

import "sync"

// feed is an unbounded mailbox drained into a channel by its own goroutine.
// Producers never block; a slow consumer only grows the pending queue.
type feed[T any] struct {
	mu       sync.Mutex
	pending  []T
	finished bool
	wake     chan struct{}
	out      chan T
	done     chan struct{}
	stopOnce sync.Once
}

func newFeed[T any](initial ...T) *feed[T] {
	f := &feed[T]{
		pending: append([]T(nil), initial...),
		wake:    make(chan struct{}, 1),
		out:     make(chan T),
		done:    make(chan struct{}),
	}
	go f.pump()
	return f
}

// push queues v. It reports false once the feed is finished or stopped.
func (f *feed[T]) push(v T) bool {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return false
	}
	f.pending = append(f.pending, v)
	f.mu.Unlock()
	f.signal()
	return true
}

// finish closes the output channel once everything queued so far is delivered.
func (f *feed[T]) finish() {
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	f.signal()
}

// stop closes the output channel without delivering what is still queued.
func (f *feed[T]) stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.finished = true
		f.pending = nil
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *feed[T]) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed[T]) pump() {
	defer close(f.out)
	var zero T
	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			finished := f.finished
			f.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		v := f.pending[0]
		f.pending[0] = zero
		f.pending = f.pending[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}

// Subscription delivers a replayed snapshot followed by live updates.
type Subscription[T any] struct {
	f      *feed[T]
	detach func()
	once   sync.Once
}

// C returns the update channel. It is closed after Close.
func (s *Subscription[T]) C() <-chan T { return s.f.out }

// Close stops delivery and releases the subscription. Safe to call repeatedly.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.f.stop()
	})
}

// broadcaster fans one ordered update stream out to many subscriptions.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[*feed[T]]struct{}
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[*feed[T]]struct{})}
}

// subscribe registers a new subscriber whose first items are initial.
func (b *broadcaster[T]) subscribe(initial ...T) *Subscription[T] {
	f := newFeed(initial...)
	b.mu.Lock()
	b.subs[f] = struct{}{}
	b.mu.Unlock()
	return &Subscription[T]{
		f: f,
		detach: func() {
			b.mu.Lock()
			delete(b.subs, f)
			b.mu.Unlock()
		},
	}
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for f := range b.subs {
		f.push(v)
	}
}

func (b *broadcaster[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
