package events

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxHistorySize is the number of events retained for replay.
const DefaultMaxHistorySize = 100

// latencySmoothing is the EMA weight given to the newest dispatch reading.
const latencySmoothing = 0.2

// Handler receives events for the types it subscribed to. Handlers run
// synchronously inside Emit and must be cheap; a panicking handler is
// recovered and does not affect delivery to the others.
type Handler func(Event)

// Config holds bus configuration
type Config struct {
	// MaxHistorySize bounds the replay buffer; 0 means DefaultMaxHistorySize
	MaxHistorySize int

	// Verbose enables per-event debug logging
	Verbose bool

	// Logger is used for subscriber failures and verbose output
	Logger *zap.Logger
}

// Stats is a snapshot of the bus's running counters. Counters accumulate
// for the bus's lifetime and are never reset by reads.
type Stats struct {
	TotalEmitted    uint64
	ByType          map[EventType]uint64
	BySource        map[Source]uint64
	HandlerPanics   uint64
	LastEventAt     time.Time
	AverageDispatch time.Duration
}

// registration ties a handler to the types it was subscribed under so a
// single unsubscribe call removes it everywhere.
type registration struct {
	fn    Handler
	types []EventType
}

// Bus is an in-process typed publish/subscribe broker with a bounded
// rolling history. It decouples event producers (the live watcher, the
// historical scanner, local actions) from consumers.
//
// A Bus is created explicitly and passed to whoever needs it; there is no
// package-level instance.
type Bus struct {
	mu sync.Mutex

	maxHistory int
	verbose    bool
	logger     *zap.Logger

	handlers map[EventType][]*registration

	// history is a ring buffer; head is the index of the oldest entry and
	// count the number of valid entries.
	history []Event
	head    int
	count   int

	stats   Stats
	metrics *Metrics

	rng    *rand.Rand
	closed bool
}

// New creates a bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = DefaultMaxHistorySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus{
		maxHistory: cfg.MaxHistorySize,
		verbose:    cfg.Verbose,
		logger:     logger,
		handlers:   make(map[EventType][]*registration),
		history:    make([]Event, cfg.MaxHistorySize),
		stats: Stats{
			ByType:   make(map[EventType]uint64),
			BySource: make(map[Source]uint64),
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetMetrics enables Prometheus metrics for the bus.
// This is optional - if not called, metrics will not be collected.
func (b *Bus) SetMetrics(metrics *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = metrics
}

// Subscribe registers the handler under every listed type and returns an
// unsubscribe function. The returned function removes the handler from all
// types it was registered under; calling it more than once is a no-op.
func (b *Bus) Subscribe(types []EventType, fn Handler) func() {
	reg := &registration{fn: fn, types: append([]EventType(nil), types...)}

	b.mu.Lock()
	for _, t := range reg.types {
		b.handlers[t] = append(b.handlers[t], reg)
	}
	if b.metrics != nil {
		b.metrics.RecordSubscription()
		b.updateSubscriberGauges()
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(reg)
		})
	}
}

// unsubscribe removes the registration from every type it was listed under.
// Removing the last handler for a type deletes the type's registry entry.
func (b *Bus) unsubscribe(reg *registration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range reg.types {
		regs := b.handlers[t]
		for i, r := range regs {
			if r == reg {
				b.handlers[t] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		if len(b.handlers[t]) == 0 {
			delete(b.handlers, t)
		}
	}
	if b.metrics != nil {
		b.metrics.RecordUnsubscription()
		b.updateSubscriberGauges()
	}
}

// Emit assigns a fresh ID to the event, records it into history and stats,
// and synchronously invokes every handler registered for its type in
// registration order. A panicking handler is recovered and logged; Emit
// itself never fails.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	event.ID = b.nextID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.pushHistory(event)

	b.stats.TotalEmitted++
	b.stats.ByType[event.Type]++
	b.stats.BySource[event.Source]++
	b.stats.LastEventAt = event.Timestamp

	if b.metrics != nil {
		b.metrics.RecordEventEmitted(event.Type, event.Source)
	}

	regs := b.handlers[event.Type]
	targets := make([]Handler, len(regs))
	for i, r := range regs {
		targets[i] = r.fn
	}
	verbose := b.verbose
	b.mu.Unlock()

	if verbose {
		b.logger.Debug("emitting event",
			zap.String("id", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("source", string(event.Source)),
			zap.Int("handlers", len(targets)),
		)
	}

	if len(targets) == 0 {
		return
	}

	start := time.Now()
	for _, fn := range targets {
		b.dispatch(fn, event)
	}
	elapsed := time.Since(start)

	b.mu.Lock()
	if b.stats.AverageDispatch == 0 {
		b.stats.AverageDispatch = elapsed
	} else {
		b.stats.AverageDispatch = time.Duration(
			latencySmoothing*float64(elapsed) + (1-latencySmoothing)*float64(b.stats.AverageDispatch),
		)
	}
	if b.metrics != nil {
		b.metrics.ObserveDispatch(event.Type, elapsed)
	}
	b.mu.Unlock()
}

// dispatch runs a single handler inside its own recovery boundary so one
// failing subscriber cannot prevent delivery to the rest.
func (b *Bus) dispatch(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.HandlerPanics++
			if b.metrics != nil {
				b.metrics.RecordHandlerPanic(event.Type)
			}
			b.mu.Unlock()

			b.logger.Error("event handler panicked",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()

	fn(event)
	if b.metrics != nil {
		b.metrics.RecordEventDelivered(event.Type)
	}
}

// pushHistory inserts the event into the ring buffer, evicting the oldest
// entry once the buffer is full. Must be called with mu held.
func (b *Bus) pushHistory(event Event) {
	if b.count < b.maxHistory {
		b.history[(b.head+b.count)%b.maxHistory] = event
		b.count++
		return
	}
	// Full: overwrite the oldest slot and advance head.
	b.history[b.head] = event
	b.head = (b.head + 1) % b.maxHistory
}

// History returns the retained events matching the filter, most recent
// first. The result is a copy; mutating it does not affect the bus. A nil
// filter returns the full history; an invalid filter (see
// HistoryFilter.Validate) is rejected and returns nothing.
func (b *Bus) History(filter *HistoryFilter) []Event {
	if filter != nil {
		if err := filter.Validate(); err != nil {
			b.logger.Warn("rejecting invalid history filter", zap.Error(err))
			return nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.count)
	// Walk newest to oldest.
	for i := b.count - 1; i >= 0; i-- {
		event := b.history[(b.head+i)%b.maxHistory]
		if filter != nil && !filter.match(event) {
			continue
		}
		out = append(out, event)
		if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// HistoryLen returns the current number of retained events.
func (b *Bus) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// ClearHistory empties the replay buffer. Subscriber registrations and
// cumulative stats are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// Stats returns a snapshot of the running counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := b.stats
	snapshot.ByType = make(map[EventType]uint64, len(b.stats.ByType))
	for k, v := range b.stats.ByType {
		snapshot.ByType[k] = v
	}
	snapshot.BySource = make(map[Source]uint64, len(b.stats.BySource))
	for k, v := range b.stats.BySource {
		snapshot.BySource[k] = v
	}
	return snapshot
}

// SubscriberCount returns the number of (type, handler) registrations.
// A handler registered under N types counts N times.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, regs := range b.handlers {
		total += len(regs)
	}
	return total
}

// ClearSubscribers removes every registration. Intended for test isolation.
func (b *Bus) ClearSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]*registration)
	if b.metrics != nil {
		b.updateSubscriberGauges()
	}
}

// Close tears the bus down: all subscribers and history are dropped and
// further Emit calls are ignored. Intended for test isolation; production
// code keeps one bus for the process lifetime.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[EventType][]*registration)
	b.head = 0
	b.count = 0
	if b.metrics != nil {
		b.updateSubscriberGauges()
	}
}

// nextID builds a process-unique event identifier from the emission time
// and a random suffix. Must be called with mu held.
func (b *Bus) nextID() string {
	return fmt.Sprintf("%d-%06x", time.Now().UnixNano(), b.rng.Intn(1<<24))
}

// updateSubscriberGauges refreshes the subscriber metrics. The per-type
// vector is rebuilt from scratch so types without handlers stop reporting.
// Must be called with mu held.
func (b *Bus) updateSubscriberGauges() {
	b.metrics.ResetSubscribersByType()
	total := 0
	for t, regs := range b.handlers {
		total += len(regs)
		b.metrics.UpdateSubscribersByType(t, len(regs))
	}
	b.metrics.UpdateSubscriberCount(total)
}
