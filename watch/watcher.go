package watch

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/0xbitsave/poolwatch-go/contracts"
	"github.com/0xbitsave/poolwatch-go/events"
)

// LogSubscriber is the ledger-client dependency for live log delivery.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Config holds watcher configuration
type Config struct {
	// ReconnectDelay is the initial delay before re-subscribing after a
	// dropped subscription; it doubles per consecutive failure
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the reconnect backoff
	MaxReconnectDelay time.Duration

	// BufferSize is the live log channel buffer
	BufferSize int
}

// Default configuration values
const (
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnectDelay = time.Minute
	DefaultBufferSize        = 256
)

// Watcher holds the live log subscription for all registered pool
// contracts, decodes incoming logs and emits them onto the bus.
//
// The watcher is the authoritative source for current events; the
// historical scanner exists for backfill and recovery only. Live delivery
// covers the block interval [FirstLiveBlock, LastLiveBlock]; backfill
// skips logs inside it to avoid double emission.
type Watcher struct {
	client   LogSubscriber
	registry *contracts.Registry
	bus      *events.Bus
	config   Config
	logger   *zap.Logger

	mu         sync.Mutex
	firstBlock uint64
	lastBlock  uint64
	cancel     context.CancelFunc
	done       chan struct{}
	started    bool
}

// NewWatcher creates a watcher. Zero config fields take defaults.
func NewWatcher(client LogSubscriber, registry *contracts.Registry, bus *events.Bus, config Config, logger *zap.Logger) *Watcher {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		client:   client,
		registry: registry,
		bus:      bus,
		config:   config,
		logger:   logger,
	}
}

// Start begins watching in a background goroutine. Calling Start twice
// without Stop is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop cancels the subscription and waits for the watch loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

// FirstLiveBlock returns the lowest block number delivered live, or 0
// when nothing has been delivered yet.
func (w *Watcher) FirstLiveBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstBlock
}

// LastLiveBlock returns the highest block number delivered live.
func (w *Watcher) LastLiveBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.config.ReconnectDelay
	for {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("live subscription dropped, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		w.bus.Emit(events.Event{
			Type:      events.EventTypeConnectionLost,
			Source:    events.SourceSystem,
			Data:      events.ConnectionLostData{Reason: err.Error()},
			Timestamp: time.Now(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > w.config.MaxReconnectDelay {
			delay = w.config.MaxReconnectDelay
		}
	}
}

// watchOnce opens one subscription and pumps it until it fails or the
// context is canceled. Returns the subscription error.
func (w *Watcher) watchOnce(ctx context.Context) error {
	query := ethereum.FilterQuery{Addresses: w.registry.Addresses()}
	ch := make(chan types.Log, w.config.BufferSize)

	sub, err := w.client.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	w.logger.Info("live log subscription established",
		zap.Int("contracts", len(query.Addresses)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case log := <-ch:
			w.deliver(log)
		}
	}
}

// deliver decodes one raw log and emits it. Undecodable logs are skipped;
// the Error event type is reserved for producers that choose to report.
func (w *Watcher) deliver(log types.Log) {
	if log.Removed {
		// Reorged-out log; the dashboard treats chain state as
		// authoritative and refetches, so skip it here.
		return
	}

	event, err := w.registry.Decode(log)
	if err != nil {
		w.logger.Debug("skipping undecodable log",
			zap.String("address", log.Address.Hex()),
			zap.Uint64("block", log.BlockNumber),
			zap.Error(err),
		)
		return
	}
	event.Timestamp = time.Now()

	w.mu.Lock()
	if w.firstBlock == 0 || log.BlockNumber < w.firstBlock {
		w.firstBlock = log.BlockNumber
	}
	if log.BlockNumber > w.lastBlock {
		w.lastBlock = log.BlockNumber
	}
	w.mu.Unlock()

	w.bus.Emit(event)
}
