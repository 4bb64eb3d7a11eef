package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies the kind of pool event carried by an envelope.
type EventType string

const (
	// EventTypePoolCreated represents a new savings pool deployment
	EventTypePoolCreated EventType = "PoolCreated"

	// EventTypeMemberJoined represents a member joining a cooperative or ROSCA pool
	EventTypeMemberJoined EventType = "MemberJoined"

	// EventTypeDepositMade represents a deposit into a pool
	EventTypeDepositMade EventType = "DepositMade"

	// EventTypeWithdrawalMade represents a withdrawal from a pool
	EventTypeWithdrawalMade EventType = "WithdrawalMade"

	// EventTypeYieldClaimed represents a member claiming accrued yield
	EventTypeYieldClaimed EventType = "YieldClaimed"

	// EventTypeTicketPurchased represents a prize-pool ticket purchase
	EventTypeTicketPurchased EventType = "TicketPurchased"

	// EventTypeWinnerDeclared represents a prize-pool round winner
	EventTypeWinnerDeclared EventType = "WinnerDeclared"

	// EventTypeRoundStarted represents the start of a ROSCA or lottery round
	EventTypeRoundStarted EventType = "RoundStarted"

	// EventTypePayoutExecuted represents a rotating payout to a ROSCA member
	EventTypePayoutExecuted EventType = "PayoutExecuted"

	// EventTypeConnectionLost signals that the live log subscription dropped
	EventTypeConnectionLost EventType = "ConnectionLost"

	// EventTypeError carries a producer-reported failure
	EventTypeError EventType = "Error"
)

// AllEventTypes lists every event type the bus carries, for consumers
// that want the full stream.
var AllEventTypes = []EventType{
	EventTypePoolCreated,
	EventTypeMemberJoined,
	EventTypeDepositMade,
	EventTypeWithdrawalMade,
	EventTypeYieldClaimed,
	EventTypeTicketPurchased,
	EventTypeWinnerDeclared,
	EventTypeRoundStarted,
	EventTypePayoutExecuted,
	EventTypeConnectionLost,
	EventTypeError,
}

// Source identifies which logical feature emitted an event.
type Source string

const (
	SourceIndividual  Source = "individual"
	SourceCooperative Source = "cooperative"
	SourceRosca       Source = "rosca"
	SourcePrizePool   Source = "prizepool"
	SourceWallet      Source = "wallet"
	SourceSystem      Source = "system"
)

// Payload is the per-type event data. Each event type has exactly one
// concrete payload shape; consumers switch on the concrete type.
type Payload interface {
	payload()
}

// PoolCreatedData carries the details of a new pool deployment.
type PoolCreatedData struct {
	PoolID       uint64         `json:"poolId"`
	Creator      common.Address `json:"creator"`
	TargetAmount string         `json:"targetAmount"` // big.Int as string
}

// MemberJoinedData carries a pool membership change.
type MemberJoinedData struct {
	PoolID uint64         `json:"poolId"`
	Member common.Address `json:"member"`
}

// DepositData carries a deposit amount in satoshi-denominated wei.
type DepositData struct {
	PoolID uint64         `json:"poolId"`
	Member common.Address `json:"member"`
	Amount string         `json:"amount"`
}

// WithdrawalData carries a withdrawal amount.
type WithdrawalData struct {
	PoolID uint64         `json:"poolId"`
	Member common.Address `json:"member"`
	Amount string         `json:"amount"`
}

// YieldClaimedData carries a yield claim.
type YieldClaimedData struct {
	PoolID uint64         `json:"poolId"`
	Member common.Address `json:"member"`
	Amount string         `json:"amount"`
}

// TicketPurchasedData carries a prize-pool ticket purchase.
type TicketPurchasedData struct {
	PoolID uint64         `json:"poolId"`
	Player common.Address `json:"player"`
	Count  uint64         `json:"count"`
}

// WinnerDeclaredData carries a prize-pool round result.
type WinnerDeclaredData struct {
	PoolID uint64         `json:"poolId"`
	Winner common.Address `json:"winner"`
	Prize  string         `json:"prize"`
	Round  uint64         `json:"round"`
}

// RoundStartedData carries the start of a contribution round.
type RoundStartedData struct {
	PoolID   uint64    `json:"poolId"`
	Round    uint64    `json:"round"`
	Deadline time.Time `json:"deadline"`
}

// PayoutExecutedData carries a rotating payout.
type PayoutExecutedData struct {
	PoolID    uint64         `json:"poolId"`
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"`
	Round     uint64         `json:"round"`
}

// ConnectionLostData carries the reason a live subscription dropped.
type ConnectionLostData struct {
	Reason string `json:"reason"`
}

// ErrorData carries a producer-reported failure message.
type ErrorData struct {
	Message string `json:"message"`
}

func (PoolCreatedData) payload()     {}
func (MemberJoinedData) payload()    {}
func (DepositData) payload()         {}
func (WithdrawalData) payload()      {}
func (YieldClaimedData) payload()    {}
func (TicketPurchasedData) payload() {}
func (WinnerDeclaredData) payload()  {}
func (RoundStartedData) payload()    {}
func (PayoutExecutedData) payload()  {}
func (ConnectionLostData) payload()  {}
func (ErrorData) payload()           {}

// Event is the envelope delivered through the bus. The ID is assigned by
// the bus at emit time; producers never supply it.
type Event struct {
	// ID is the process-unique identifier assigned at emit time
	ID string `json:"id"`

	// Type is the event type
	Type EventType `json:"type"`

	// Source is the feature that emitted the event
	Source Source `json:"source"`

	// Data is the type-specific payload
	Data Payload `json:"data"`

	// Timestamp is the emission time
	Timestamp time.Time `json:"timestamp"`

	// BlockNumber correlates the event with on-chain state (0 for local events)
	BlockNumber uint64 `json:"blockNumber,omitempty"`

	// TxHash is the originating transaction, if any
	TxHash common.Hash `json:"txHash,omitempty"`

	// User is the address most directly affected, if any
	User common.Address `json:"user,omitempty"`
}
