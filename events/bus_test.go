package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testEvent(t EventType, source Source) Event {
	return Event{
		Type:      t,
		Source:    source,
		Data:      DepositData{PoolID: 1, Amount: "1000"},
		Timestamp: time.Now(),
	}
}

func TestBus_BasicPubSub(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	var received []Event
	unsubscribe := bus.Subscribe([]EventType{EventTypeDepositMade}, func(e Event) {
		received = append(received, e)
	})
	defer unsubscribe()

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))

	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	if received[0].ID == "" {
		t.Error("bus should assign an event ID")
	}
	if received[0].Type != EventTypeDepositMade {
		t.Errorf("expected DepositMade, got %s", received[0].Type)
	}
}

func TestBus_IDAssignedByBus(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	event := testEvent(EventTypeDepositMade, SourceIndividual)
	event.ID = "caller-supplied"
	bus.Emit(event)

	history := bus.History(nil)
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].ID == "caller-supplied" {
		t.Error("bus must overwrite caller-supplied IDs")
	}

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	history = bus.History(nil)
	if history[0].ID == history[1].ID {
		t.Error("event IDs must be unique")
	}
}

func TestBus_HistoryBound(t *testing.T) {
	bus := New(Config{MaxHistorySize: 100})
	defer bus.Close()

	// Emit 101 events; the first must be evicted.
	for i := 0; i < 101; i++ {
		event := testEvent(EventTypeDepositMade, SourceIndividual)
		event.Data = DepositData{PoolID: uint64(i), Amount: "1"}
		bus.Emit(event)
	}

	history := bus.History(nil)
	if len(history) != 100 {
		t.Fatalf("expected history length 100, got %d", len(history))
	}

	// Most-recent-first: the newest event (poolID 100) leads, the oldest
	// retained is poolID 1 and poolID 0 is gone.
	if got := history[0].Data.(DepositData).PoolID; got != 100 {
		t.Errorf("expected newest entry first (100), got %d", got)
	}
	if got := history[99].Data.(DepositData).PoolID; got != 1 {
		t.Errorf("expected oldest retained entry 1, got %d", got)
	}
	for _, e := range history {
		if e.Data.(DepositData).PoolID == 0 {
			t.Error("evicted event still present in history")
		}
	}
}

func TestBus_SubscriberIsolation(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	secondRan := false
	bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {
		panic("bad subscriber")
	})
	bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {
		secondRan = true
	})

	// Emit must not panic and must still reach the second subscriber.
	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))

	if !secondRan {
		t.Error("second subscriber was not invoked after first panicked")
	}
	if got := bus.Stats().HandlerPanics; got != 1 {
		t.Errorf("expected 1 recorded panic, got %d", got)
	}
}

func TestBus_UnsubscribeCompleteness(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	calls := 0
	unsubscribe := bus.Subscribe([]EventType{EventTypeDepositMade, EventTypeYieldClaimed}, func(Event) {
		calls++
	})

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	bus.Emit(testEvent(EventTypeYieldClaimed, SourceIndividual))
	if calls != 2 {
		t.Fatalf("expected 2 deliveries before unsubscribe, got %d", calls)
	}

	unsubscribe()
	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	bus.Emit(testEvent(EventTypeYieldClaimed, SourceIndividual))
	if calls != 2 {
		t.Errorf("handler invoked after unsubscribe, calls=%d", calls)
	}

	// Unsubscribing twice is a no-op.
	unsubscribe()

	if count := bus.SubscriberCount(); count != 0 {
		t.Errorf("expected 0 registrations, got %d", count)
	}
}

func TestBus_RegistrationOrder(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe([]EventType{EventTypePoolCreated}, func(Event) {
			order = append(order, i)
		})
	}

	bus.Emit(testEvent(EventTypePoolCreated, SourceCooperative))

	for i, got := range order {
		if got != i {
			t.Fatalf("dispatch order broken: %v", order)
		}
	}
}

func TestBus_HistoryFilterConjunction(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	for i := 0; i < 10; i++ {
		bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
		bus.Emit(testEvent(EventTypeYieldClaimed, SourceCooperative))
	}

	got := bus.History(&HistoryFilter{
		Types: []EventType{EventTypeDepositMade},
		Limit: 5,
	})
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for _, e := range got {
		if e.Type != EventTypeDepositMade {
			t.Errorf("filter returned wrong type %s", e.Type)
		}
	}
}

func TestBus_HistoryFilterUserAndSource(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	alice := common.HexToAddress("0xa11ce")
	bob := common.HexToAddress("0xb0b")

	for i := 0; i < 3; i++ {
		event := testEvent(EventTypeDepositMade, SourceIndividual)
		event.User = alice
		bus.Emit(event)

		event = testEvent(EventTypeDepositMade, SourceCooperative)
		event.User = bob
		bus.Emit(event)
	}

	got := bus.History(&HistoryFilter{
		Sources: []Source{SourceCooperative},
		User:    bob,
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for _, e := range got {
		if e.User != bob || e.Source != SourceCooperative {
			t.Errorf("filter conjunction violated: %+v", e)
		}
	}
}

func TestBus_HistoryRejectsInvalidFilter(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))

	// Half-open time ranges and negative limits fail Validate; History
	// must reject them instead of silently misapplying the bounds.
	invalid := []*HistoryFilter{
		{Since: time.Now().Add(-time.Hour)},
		{Until: time.Now().Add(time.Hour)},
		{Limit: -1},
	}
	for _, filter := range invalid {
		if err := filter.Validate(); err == nil {
			t.Fatalf("filter %+v must fail validation", filter)
		}
		if got := bus.History(filter); len(got) != 0 {
			t.Errorf("invalid filter %+v returned %d events", filter, len(got))
		}
	}

	// A valid filter still matches.
	if got := bus.History(&HistoryFilter{Types: []EventType{EventTypeDepositMade}}); len(got) != 1 {
		t.Errorf("valid filter returned %d events", len(got))
	}
}

func TestBus_HistoryDefensiveCopy(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))

	history := bus.History(nil)
	history[0].ID = "mutated"

	if bus.History(nil)[0].ID == "mutated" {
		t.Error("mutating the returned slice must not affect the bus")
	}
}

func TestBus_ClearHistoryKeepsSubscribersAndStats(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	delivered := 0
	bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) { delivered++ })

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	bus.ClearHistory()

	if bus.HistoryLen() != 0 {
		t.Error("history not cleared")
	}
	if got := bus.Stats().TotalEmitted; got != 1 {
		t.Errorf("stats reset by ClearHistory, TotalEmitted=%d", got)
	}

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	if delivered != 2 {
		t.Errorf("subscribers lost by ClearHistory, delivered=%d", delivered)
	}
}

func TestBus_StatsSnapshot(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	bus.Emit(testEvent(EventTypeYieldClaimed, SourceIndividual))

	stats := bus.Stats()
	if stats.TotalEmitted != 2 {
		t.Errorf("expected TotalEmitted 2, got %d", stats.TotalEmitted)
	}
	if stats.ByType[EventTypeDepositMade] != 1 {
		t.Errorf("per-type count wrong: %v", stats.ByType)
	}
	if stats.BySource[SourceIndividual] != 2 {
		t.Errorf("per-source count wrong: %v", stats.BySource)
	}
	if stats.LastEventAt.IsZero() {
		t.Error("LastEventAt not set")
	}

	// The snapshot is a copy.
	stats.ByType[EventTypeDepositMade] = 99
	if bus.Stats().ByType[EventTypeDepositMade] != 1 {
		t.Error("stats snapshot shares state with the bus")
	}
}

func TestBus_AverageDispatchLatency(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	// No handlers: latency must stay untouched.
	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	if bus.Stats().AverageDispatch != 0 {
		t.Error("latency updated without any handler running")
	}

	bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {
		time.Sleep(time.Millisecond)
	})
	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	if bus.Stats().AverageDispatch <= 0 {
		t.Error("latency not updated after dispatch")
	}
}

func TestBus_EmitAfterCloseIsIgnored(t *testing.T) {
	bus := New(Config{})

	delivered := 0
	bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) { delivered++ })
	bus.Close()

	bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
	if delivered != 0 {
		t.Error("event delivered after Close")
	}
}

func TestBus_ConcurrentEmit(t *testing.T) {
	bus := New(Config{MaxHistorySize: 50})
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0
	bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Emit(testEvent(EventTypeDepositMade, SourceIndividual))
			}
		}()
	}
	wg.Wait()

	if delivered != 200 {
		t.Errorf("expected 200 deliveries, got %d", delivered)
	}
	if got := bus.Stats().TotalEmitted; got != 200 {
		t.Errorf("expected TotalEmitted 200, got %d", got)
	}
	if bus.HistoryLen() != 50 {
		t.Errorf("history bound violated under concurrency: %d", bus.HistoryLen())
	}
}

func TestBus_SubscriberGaugesFollowRegistrations(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	metrics := NewMetrics("poolwatch_gauge_test", "bus")
	bus.SetMetrics(metrics)

	gauge := func(et EventType) float64 {
		return testutil.ToFloat64(metrics.SubscribersByType.WithLabelValues(string(et)))
	}

	unsubA := bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {})
	unsubB := bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {})
	if got := gauge(EventTypeDepositMade); got != 2 {
		t.Fatalf("expected gauge 2 after two subscriptions, got %v", got)
	}

	unsubA()
	unsubB()
	// The last handler for a type leaving must zero its gauge, not leave
	// the previous count behind.
	if got := gauge(EventTypeDepositMade); got != 0 {
		t.Errorf("stale per-type gauge after unsubscribe: %v", got)
	}
	if got := testutil.ToFloat64(metrics.SubscribersTotal); got != 0 {
		t.Errorf("stale total gauge after unsubscribe: %v", got)
	}

	bus.Subscribe([]EventType{EventTypeYieldClaimed}, func(Event) {})
	bus.ClearSubscribers()
	if got := gauge(EventTypeYieldClaimed); got != 0 {
		t.Errorf("stale per-type gauge after ClearSubscribers: %v", got)
	}
	if got := testutil.ToFloat64(metrics.SubscribersTotal); got != 0 {
		t.Errorf("stale total gauge after ClearSubscribers: %v", got)
	}
}

func BenchmarkBus_Emit(b *testing.B) {
	bus := New(Config{})
	defer bus.Close()

	for i := 0; i < 8; i++ {
		bus.Subscribe([]EventType{EventTypeDepositMade}, func(Event) {})
	}

	event := testEvent(EventTypeDepositMade, SourceIndividual)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Emit(event)
	}
}

func ExampleBus_Subscribe() {
	bus := New(Config{MaxHistorySize: 10})
	defer bus.Close()

	unsubscribe := bus.Subscribe([]EventType{EventTypeWinnerDeclared}, func(e Event) {
		data := e.Data.(WinnerDeclaredData)
		fmt.Printf("pool %d winner declared, prize %s\n", data.PoolID, data.Prize)
	})
	defer unsubscribe()

	bus.Emit(Event{
		Type:   EventTypeWinnerDeclared,
		Source: SourcePrizePool,
		Data:   WinnerDeclaredData{PoolID: 7, Prize: "500000", Round: 3},
	})
	// Output: pool 7 winner declared, prize 500000
}
