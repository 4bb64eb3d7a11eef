// Package checkpoint persists backfill cursors so a restarted scanner
// resumes where the previous run stopped instead of re-reading the whole
// chain history.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no cursor exists for a contract.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("checkpoint: store closed")

const cursorPrefix = "/meta/cursor/"

// cursorKey returns the key for a contract's scan cursor.
// Format: /meta/cursor/{address}
func cursorKey(address common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", cursorPrefix, address.Hex()))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 encoding: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Store is a PebbleDB-backed cursor store. One cursor per contract
// address holds the highest block that has been fully scanned.
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Open opens (or creates) the cursor store at the given path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the store. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// LastScanned returns the highest fully-scanned block for a contract.
// Returns ErrNotFound when the contract has never been scanned.
func (s *Store) LastScanned(address common.Address) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	value, closer, err := s.db.Get(cursorKey(address))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	defer closer.Close()

	block, err := decodeUint64(value)
	if err != nil {
		return 0, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return block, nil
}

// SetLastScanned records the highest fully-scanned block for a contract.
// The write is synced; a crash after SetLastScanned never rewinds the
// cursor.
func (s *Store) SetLastScanned(address common.Address, block uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.db.Set(cursorKey(address), encodeUint64(block), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}

	s.logger.Debug("checkpoint advanced",
		zap.String("contract", address.Hex()),
		zap.Uint64("block", block),
	)
	return nil
}

// Delete removes a contract's cursor, forcing a full rescan next run.
func (s *Store) Delete(address common.Address) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Delete(cursorKey(address), pebble.Sync)
}
