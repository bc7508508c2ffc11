package chatsync

import "sync"

// dispatcher runs posted functions one at a time, in posting order, on its
// own goroutine. The queue is unbounded so the read loop never blocks on a
// slow handler.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			select {
			case <-d.wake:
				continue
			case <-d.quit:
				return
			}
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}

// stop lets queued functions finish, then ends the goroutine.
func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
}

// observers is a fan-out list; adding one never replaces another.
type observers[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

func (o *observers[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	fns := append(([]func(T))(nil), o.fns...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
