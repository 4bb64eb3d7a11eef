package watch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xbitsave/poolwatch-go/contracts"
	"github.com/0xbitsave/poolwatch-go/events"
)

var poolAddr = common.HexToAddress("0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed")

// fakeSubscription implements ethereum.Subscription.
type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error, 1)}
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }
func (s *fakeSubscription) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSubscription) fail(err error)    { s.errCh <- err }

// fakeSubscriber hands out scripted subscriptions.
type fakeSubscriber struct {
	mu       sync.Mutex
	subs     []*fakeSubscription
	channels []chan<- types.Log
}

func (f *fakeSubscriber) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newFakeSubscription()
	f.subs = append(f.subs, sub)
	f.channels = append(f.channels, ch)
	return sub, nil
}

func (f *fakeSubscriber) push(log types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[len(f.channels)-1] <- log
}

func (f *fakeSubscriber) failCurrent(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[len(f.subs)-1].fail(err)
}

func (f *fakeSubscriber) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func depositLog(t *testing.T, r *contracts.Registry, block uint64) types.Log {
	t.Helper()
	c, ok := r.Contract(poolAddr)
	require.True(t, ok)

	event := c.ABI().Events["DepositMade"]
	var nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	data, err := nonIndexed.Pack(big.NewInt(1000))
	require.NoError(t, err)

	member := common.HexToAddress("0x9AC6249d2f2E3cbAAF34E114EdF1Cb7519AF04C2")
	return types.Log{
		Address: poolAddr,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(1)),
			common.BytesToHash(common.LeftPadBytes(member.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeSubscriber, *events.Bus) {
	t.Helper()

	registry := contracts.NewRegistry()
	require.NoError(t, registry.RegisterPool("IndividualPool", poolAddr, events.SourceIndividual))

	bus := events.New(events.Config{})
	subscriber := &fakeSubscriber{}
	w := NewWatcher(subscriber, registry, bus, Config{
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	}, nil)
	return w, subscriber, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatcher_DeliversDecodedEvents(t *testing.T) {
	w, subscriber, bus := newTestWatcher(t)
	defer bus.Close()

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe([]events.EventType{events.EventTypeDepositMade}, func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return subscriber.subscriptionCount() == 1 })

	subscriber.push(depositLog(t, w.registry, 500))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.SourceIndividual, got[0].Source)
	assert.Equal(t, uint64(500), got[0].BlockNumber)
	assert.Equal(t, uint64(500), w.FirstLiveBlock())
	assert.Equal(t, uint64(500), w.LastLiveBlock())
}

func TestWatcher_ReconnectsAndEmitsConnectionLost(t *testing.T) {
	w, subscriber, bus := newTestWatcher(t)
	defer bus.Close()

	var mu sync.Mutex
	lost := 0
	bus.Subscribe([]events.EventType{events.EventTypeConnectionLost}, func(e events.Event) {
		mu.Lock()
		lost++
		mu.Unlock()
	})

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return subscriber.subscriptionCount() == 1 })

	subscriber.failCurrent(errors.New("websocket closed"))

	// The watcher must emit ConnectionLost and open a new subscription.
	waitFor(t, time.Second, func() bool { return subscriber.subscriptionCount() == 2 })
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lost == 1
	})

	history := bus.History(&events.HistoryFilter{Types: []events.EventType{events.EventTypeConnectionLost}})
	require.Len(t, history, 1)
	data := history[0].Data.(events.ConnectionLostData)
	assert.Contains(t, data.Reason, "websocket closed")
}

func TestWatcher_SkipsUndecodableAndRemovedLogs(t *testing.T) {
	w, subscriber, bus := newTestWatcher(t)
	defer bus.Close()

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return subscriber.subscriptionCount() == 1 })

	// Unregistered contract: skipped.
	subscriber.push(types.Log{Address: common.HexToAddress("0xdead"), Topics: []common.Hash{{}}})

	// Reorged-out log: skipped.
	removed := depositLog(t, w.registry, 600)
	removed.Removed = true
	subscriber.push(removed)

	// A good log still flows through afterwards.
	subscriber.push(depositLog(t, w.registry, 601))

	waitFor(t, time.Second, func() bool { return bus.HistoryLen() == 1 })
	assert.Equal(t, uint64(601), bus.History(nil)[0].BlockNumber)
}

func TestWatcher_StartStopIdempotent(t *testing.T) {
	w, subscriber, bus := newTestWatcher(t)
	defer bus.Close()

	w.Start(context.Background())
	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return subscriber.subscriptionCount() == 1 })

	w.Stop()
	w.Stop()
}
