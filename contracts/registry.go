package contracts

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0xbitsave/poolwatch-go/events"
)

// Contract is a registered pool contract.
type Contract struct {
	Name    string
	Address common.Address
	Source  events.Source
	abi     abi.ABI
}

// ABI returns the parsed contract ABI.
func (c *Contract) ABI() abi.ABI {
	return c.abi
}

// Registry maps contract addresses to their ABIs and decodes raw logs
// into typed application events. Decoding failures are surfaced to the
// caller; an undecodable log is simply never emitted.
type Registry struct {
	byAddress map[common.Address]*Contract
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddress: make(map[common.Address]*Contract),
	}
}

// Register adds a contract with a custom ABI JSON.
func (r *Registry) Register(name string, address common.Address, source events.Source, abiJSON string) error {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("failed to parse ABI for %s: %w", name, err)
	}

	r.byAddress[address] = &Contract{
		Name:    name,
		Address: address,
		Source:  source,
		abi:     parsed,
	}
	return nil
}

// RegisterPool adds a BasePoolV3-family contract using the shared pool ABI.
func (r *Registry) RegisterPool(name string, address common.Address, source events.Source) error {
	return r.Register(name, address, source, PoolABI)
}

// Contract returns the registered contract at the given address.
func (r *Registry) Contract(address common.Address) (*Contract, bool) {
	c, ok := r.byAddress[address]
	return c, ok
}

// Addresses returns all registered contract addresses.
func (r *Registry) Addresses() []common.Address {
	out := make([]common.Address, 0, len(r.byAddress))
	for addr := range r.byAddress {
		out = append(out, addr)
	}
	return out
}

// Decode turns a raw log into a typed application event. The returned
// event carries no ID; the bus assigns one at emit time.
func (r *Registry) Decode(log types.Log) (events.Event, error) {
	contract, ok := r.byAddress[log.Address]
	if !ok {
		return events.Event{}, fmt.Errorf("no contract registered at %s", log.Address.Hex())
	}
	if len(log.Topics) == 0 {
		return events.Event{}, fmt.Errorf("log has no topics")
	}

	event, err := contract.abi.EventByID(log.Topics[0])
	if err != nil {
		return events.Event{}, fmt.Errorf("unknown event topic %s on %s: %w", log.Topics[0].Hex(), contract.Name, err)
	}

	args, err := unpackArgs(event, log)
	if err != nil {
		return events.Event{}, fmt.Errorf("failed to decode %s.%s: %w", contract.Name, event.RawName, err)
	}

	payload, user, err := buildPayload(event.RawName, args)
	if err != nil {
		return events.Event{}, fmt.Errorf("failed to build %s payload: %w", event.RawName, err)
	}

	return events.Event{
		Type:        events.EventType(event.RawName),
		Source:      contract.Source,
		Data:        payload,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		User:        user,
	}, nil
}

// unpackArgs decodes indexed parameters from topics and non-indexed
// parameters from the data blob into one named-argument map.
func unpackArgs(event *abi.Event, log types.Log) (map[string]interface{}, error) {
	args := make(map[string]interface{})

	var indexed abi.Arguments
	var nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		} else {
			nonIndexed = append(nonIndexed, input)
		}
	}

	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to parse indexed parameters: %w", err)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
			return nil, fmt.Errorf("failed to parse non-indexed parameters: %w", err)
		}
	}

	return args, nil
}

// buildPayload maps the named-argument form into the event's concrete
// payload type. The second return value is the address the event is most
// directly about, used for per-user history filtering.
func buildPayload(eventName string, args map[string]interface{}) (events.Payload, common.Address, error) {
	switch eventName {
	case "PoolCreated":
		creator, err := argAddress(args, "creator")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		target, err := argAmount(args, "targetAmount")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.PoolCreatedData{PoolID: poolID, Creator: creator, TargetAmount: target}, creator, nil

	case "MemberJoined":
		member, err := argAddress(args, "member")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.MemberJoinedData{PoolID: poolID, Member: member}, member, nil

	case "DepositMade":
		member, err := argAddress(args, "member")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		amount, err := argAmount(args, "amount")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.DepositData{PoolID: poolID, Member: member, Amount: amount}, member, nil

	case "WithdrawalMade":
		member, err := argAddress(args, "member")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		amount, err := argAmount(args, "amount")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.WithdrawalData{PoolID: poolID, Member: member, Amount: amount}, member, nil

	case "YieldClaimed":
		member, err := argAddress(args, "member")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		amount, err := argAmount(args, "amount")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.YieldClaimedData{PoolID: poolID, Member: member, Amount: amount}, member, nil

	case "TicketPurchased":
		player, err := argAddress(args, "player")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		count, err := argUint64(args, "count")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.TicketPurchasedData{PoolID: poolID, Player: player, Count: count}, player, nil

	case "WinnerDeclared":
		winner, err := argAddress(args, "winner")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		prize, err := argAmount(args, "prize")
		if err != nil {
			return nil, common.Address{}, err
		}
		round, err := argUint64(args, "round")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.WinnerDeclaredData{PoolID: poolID, Winner: winner, Prize: prize, Round: round}, winner, nil

	case "RoundStarted":
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		round, err := argUint64(args, "round")
		if err != nil {
			return nil, common.Address{}, err
		}
		deadline, err := argUint64(args, "deadline")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.RoundStartedData{
			PoolID:   poolID,
			Round:    round,
			Deadline: time.Unix(int64(deadline), 0).UTC(),
		}, common.Address{}, nil

	case "PayoutExecuted":
		recipient, err := argAddress(args, "recipient")
		if err != nil {
			return nil, common.Address{}, err
		}
		poolID, err := argUint64(args, "poolId")
		if err != nil {
			return nil, common.Address{}, err
		}
		amount, err := argAmount(args, "amount")
		if err != nil {
			return nil, common.Address{}, err
		}
		round, err := argUint64(args, "round")
		if err != nil {
			return nil, common.Address{}, err
		}
		return events.PayoutExecutedData{PoolID: poolID, Recipient: recipient, Amount: amount, Round: round}, recipient, nil

	default:
		return nil, common.Address{}, fmt.Errorf("unsupported event %s", eventName)
	}
}

func argAddress(args map[string]interface{}, name string) (common.Address, error) {
	v, ok := args[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("argument %s is not an address", name)
	}
	return v, nil
}

func argUint64(args map[string]interface{}, name string) (uint64, error) {
	v, ok := args[name].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("argument %s is not a uint256", name)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("argument %s overflows uint64", name)
	}
	return v.Uint64(), nil
}

// argAmount keeps token amounts as decimal strings to avoid precision
// loss on the consumer side.
func argAmount(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name].(*big.Int)
	if !ok {
		return "", fmt.Errorf("argument %s is not a uint256", name)
	}
	return v.String(), nil
}
