// Package fanout distributes telemetry lines from the control link worker to
// every registered subscriber. One distributor goroutine drains a bounded
// queue; subscribers receive through their own buffered channels so one slow
// consumer never stalls the others or the ingest path.
package fanout

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const defaultStopTimeout = 2 * time.Second

// Subscriber is one registered consumer of the telemetry stream. Lines arrive
// on the channel returned by Lines; Done is closed on deregistration so
// consumers can exit promptly.
type Subscriber struct {
	id    uint64
	name  string
	ch    chan string
	quit  chan struct{}
	drops atomic.Uint64
}

// Lines returns the delivery channel. It is never closed; select against
// Done to detect deregistration.
func (s *Subscriber) Lines() <-chan string {
	return s.ch
}

// Done is closed when the subscriber has been removed from the registry.
func (s *Subscriber) Done() <-chan struct{} {
	return s.quit
}

// Drops returns how many lines were discarded because this subscriber's
// buffer was full.
func (s *Subscriber) Drops() uint64 {
	return s.drops.Load()
}

// Fanout is the telemetry distributor. Exactly one runs per process; it is
// constructed explicitly and handed to every component that needs it rather
// than living behind a global.
type Fanout struct {
	queue     chan string
	subBuffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID atomic.Uint64

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	queueDrops    atomic.Uint64
	preStartDrops atomic.Uint64
	delivered     atomic.Uint64
}

// New creates a fanout with a bounded ingest queue. queueSize bounds lines
// buffered between the link worker and the distributor; subBuffer bounds each
// subscriber's private channel.
func New(queueSize, subBuffer int) *Fanout {
	if queueSize <= 0 {
		queueSize = 256
	}
	if subBuffer <= 0 {
		subBuffer = 32
	}
	return &Fanout{
		queue:     make(chan string, queueSize),
		subBuffer: subBuffer,
		subs:      make(map[uint64]*Subscriber),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the distributor goroutine. Offer calls made before Start are
// dropped, by policy, and counted.
func (f *Fanout) Start() {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go f.run()
}

func (f *Fanout) run() {
	defer close(f.done)
	for {
		select {
		case <-f.shutdown:
			return
		case line := <-f.queue:
			f.deliver(line)
		}
	}
}

// Offer hands a telemetry line to the distributor without ever blocking the
// caller. When the queue is full the oldest buffered line is evicted to make
// room (drop-oldest); if the distributor has not been started the line is
// dropped outright. Returns whether the line was queued.
func (f *Fanout) Offer(line string) bool {
	if !f.started.Load() {
		f.preStartDrops.Add(1)
		return false
	}

	select {
	case f.queue <- line:
		return true
	default:
	}

	// Queue full: evict the oldest line, then retry once. If another producer
	// won the race for the freed slot, drop the new line instead.
	select {
	case <-f.queue:
		f.queueDrops.Add(1)
	default:
	}
	select {
	case f.queue <- line:
		return true
	default:
		f.queueDrops.Add(1)
		return false
	}
}

// deliver sends one line to every subscriber registered at delivery time. The
// registry is snapshotted under a read lock so concurrent (de)registration is
// safe. A full subscriber buffer is a per-subscriber drop, logged and ignored.
func (f *Fanout) deliver(line string) {
	f.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		snapshot = append(snapshot, sub)
	}
	f.mu.RUnlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- line:
			f.delivered.Add(1)
		default:
			if drops := sub.drops.Add(1); drops == 1 || drops%100 == 0 {
				log.Printf("fanout: subscriber %s buffer full, dropped line (total drops=%d)", sub.name, drops)
			}
		}
	}
}

// Subscribe registers a new consumer. The name is used only for logging.
func (f *Fanout) Subscribe(name string) *Subscriber {
	sub := &Subscriber{
		id:   f.nextID.Add(1),
		name: name,
		ch:   make(chan string, f.subBuffer),
		quit: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its Done channel. Safe to call
// while a delivery is in flight; the delivery channel is intentionally left
// open so a racing distributor send cannot panic.
func (f *Fanout) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	f.mu.Lock()
	_, present := f.subs[sub.id]
	delete(f.subs, sub.id)
	f.mu.Unlock()
	if present {
		close(sub.quit)
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Metrics reports drop/delivery counters for the periodic stats line.
func (f *Fanout) Metrics() (queueDrops, preStartDrops, delivered uint64) {
	return f.queueDrops.Load(), f.preStartDrops.Load(), f.delivered.Load()
}

// Stop terminates the distributor and waits briefly for it to exit.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() {
		close(f.shutdown)
	})
	if !f.started.Load() {
		return
	}
	timer := time.NewTimer(defaultStopTimeout)
	defer timer.Stop()
	select {
	case <-f.done:
	case <-timer.C:
		log.Printf("fanout: stop timed out after %s", defaultStopTimeout)
	}
}
