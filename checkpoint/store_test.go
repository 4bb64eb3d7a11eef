package checkpoint

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = common.HexToAddress("0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LastScanned(testAddr)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetLastScanned(testAddr, 123456))

	block, err := s.LastScanned(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), block)

	// Cursors only move forward in practice, but the store itself does
	// not enforce that; overwrite wins.
	require.NoError(t, s.SetLastScanned(testAddr, 123400))
	block, err = s.LastScanned(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(123400), block)
}

func TestStore_CursorsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	other := common.HexToAddress("0xDDe8c75271E454075BD2f348213A66B142BB8906")

	require.NoError(t, s.SetLastScanned(testAddr, 10))
	require.NoError(t, s.SetLastScanned(other, 20))

	block, err := s.LastScanned(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), block)

	block, err = s.LastScanned(other)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), block)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetLastScanned(testAddr, 42))
	require.NoError(t, s.Delete(testAddr))

	_, err := s.LastScanned(testAddr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClosedStoreRejectsOperations(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close must be safe")

	_, err := s.LastScanned(testAddr)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.SetLastScanned(testAddr, 1), ErrClosed)
	assert.ErrorIs(t, s.Delete(testAddr), ErrClosed)
}

func TestStore_OpenEmptyPath(t *testing.T) {
	_, err := Open("", nil)
	require.Error(t, err)
}
