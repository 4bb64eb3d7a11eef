// Package notify delivers pool events to external channels. Delivery is
// best-effort: a failed or slow channel is logged and dropped, it never
// blocks or fails event emission.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xbitsave/poolwatch-go/events"
)

// Sender delivers one rendered message to an external channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Message is the channel-independent rendering of an event.
type Message struct {
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	EventType string       `json:"event_type"`
	Source    string       `json:"source"`
	EventID   string       `json:"event_id"`
	Timestamp time.Time    `json:"timestamp"`
	Event     events.Event `json:"event"`
}

// Config holds notification service configuration
type Config struct {
	// EventTypes limits which event types trigger notifications. Empty
	// means all types.
	EventTypes []events.EventType

	// SendTimeout bounds each delivery attempt
	SendTimeout time.Duration

	// QueueSize is the pending-delivery buffer; when full, new
	// notifications are dropped rather than blocking the bus
	QueueSize int
}

// Default configuration values
const (
	DefaultSendTimeout = 10 * time.Second
	DefaultQueueSize   = 64
)

// Service fans events out to the configured senders from a single
// background worker.
type Service struct {
	senders []Sender
	config  Config
	logger  *zap.Logger

	queue       chan events.Event
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}

	mu      sync.Mutex
	dropped uint64
	started bool
}

// NewService creates a notification service. Senders may be empty, in
// which case Start is a no-op worker.
func NewService(senders []Sender, config Config, logger *zap.Logger) *Service {
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		senders: senders,
		config:  config,
		logger:  logger,
		queue:   make(chan events.Event, config.QueueSize),
	}
}

// Start subscribes to the bus and begins delivering in the background.
func (s *Service) Start(ctx context.Context, bus *events.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	types := s.config.EventTypes
	if len(types) == 0 {
		types = events.AllEventTypes
	}

	s.unsubscribe = bus.Subscribe(types, func(e events.Event) {
		select {
		case s.queue <- e:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.logger.Warn("notification queue full, dropping event",
				zap.String("event_id", e.ID),
				zap.String("type", string(e.Type)),
			)
		}
	})

	go s.run(ctx)
}

// Stop unsubscribes and waits for in-flight deliveries to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsubscribe := s.unsubscribe
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	unsubscribe()
	cancel()
	<-done
}

// Dropped reports how many events were discarded due to a full queue.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			s.deliver(ctx, event)
		}
	}
}

func (s *Service) deliver(ctx context.Context, event events.Event) {
	msg := Render(event)

	for _, sender := range s.senders {
		sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
		err := sender.Send(sendCtx, msg)
		cancel()

		if err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("channel", sender.Name()),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("notification delivered",
			zap.String("channel", sender.Name()),
			zap.String("event_id", event.ID),
		)
	}
}

// Render produces the human-readable form of an event.
func Render(event events.Event) Message {
	title, body := describe(event)
	return Message{
		Title:     title,
		Body:      body,
		EventType: string(event.Type),
		Source:    string(event.Source),
		EventID:   event.ID,
		Timestamp: event.Timestamp,
		Event:     event,
	}
}

func describe(event events.Event) (string, string) {
	switch data := event.Data.(type) {
	case events.PoolCreatedData:
		return "Pool created",
			fmt.Sprintf("Pool %d created by %s with target %s", data.PoolID, data.Creator.Hex(), data.TargetAmount)
	case events.MemberJoinedData:
		return "Member joined",
			fmt.Sprintf("%s joined pool %d", data.Member.Hex(), data.PoolID)
	case events.DepositData:
		return "Deposit",
			fmt.Sprintf("%s deposited %s into pool %d", data.Member.Hex(), data.Amount, data.PoolID)
	case events.WithdrawalData:
		return "Withdrawal",
			fmt.Sprintf("%s withdrew %s from pool %d", data.Member.Hex(), data.Amount, data.PoolID)
	case events.YieldClaimedData:
		return "Yield claimed",
			fmt.Sprintf("%s claimed %s yield from pool %d", data.Member.Hex(), data.Amount, data.PoolID)
	case events.TicketPurchasedData:
		return "Tickets purchased",
			fmt.Sprintf("%s bought %d tickets in pool %d", data.Player.Hex(), data.Count, data.PoolID)
	case events.WinnerDeclaredData:
		return "Winner declared",
			fmt.Sprintf("%s won %s in pool %d round %d", data.Winner.Hex(), data.Prize, data.PoolID, data.Round)
	case events.RoundStartedData:
		return "Round started",
			fmt.Sprintf("Pool %d round %d runs until %s", data.PoolID, data.Round, data.Deadline.Format(time.RFC3339))
	case events.PayoutExecutedData:
		return "Payout executed",
			fmt.Sprintf("%s received %s from pool %d round %d", data.Recipient.Hex(), data.Amount, data.PoolID, data.Round)
	case events.ConnectionLostData:
		return "Connection lost",
			fmt.Sprintf("Chain connection dropped: %s", data.Reason)
	case events.ErrorData:
		return "Error",
			data.Message
	default:
		return string(event.Type), fmt.Sprintf("%s event from %s", event.Type, event.Source)
	}
}
