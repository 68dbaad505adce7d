package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cluster/membership/errs"
)

func mustKey(t *testing.T, size int) Key {
	t.Helper()
	k := make(Key, size)
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func TestNewRejectsInvalidPrimarySize(t *testing.T) {
	_, err := New(Key{1, 2, 3})
	assert.Error(t, err)
}

func TestEmptyKeyringHasNoPrimary(t *testing.T) {
	kr, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, kr.Primary())
	assert.Equal(t, 0, kr.Len())
}

func TestInsertIsIdempotent(t *testing.T) {
	kr, err := New(mustKey(t, 32))
	require.NoError(t, err)

	second := mustKey(t, 16)
	require.NoError(t, kr.Insert(second))
	require.NoError(t, kr.Insert(second))

	assert.Equal(t, 2, kr.Len())
}

func TestUsePromotesKeyToPrimary(t *testing.T) {
	primary := mustKey(t, 32)
	other := mustKey(t, 16)
	kr, err := New(primary, other)
	require.NoError(t, err)

	require.NoError(t, kr.Use(other))
	assert.Equal(t, other, kr.Primary())

	keys := kr.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, other, keys[0])
}

func TestRemovePrimaryIsRejected(t *testing.T) {
	primary := mustKey(t, 32)
	kr, err := New(primary)
	require.NoError(t, err)

	err = kr.Remove(primary)
	assert.ErrorIs(t, err, errs.ErrRemovePrimaryKey)
	assert.Equal(t, 1, kr.Len())
}

func TestRemoveUnknownKeyFails(t *testing.T) {
	kr, err := New(mustKey(t, 32))
	require.NoError(t, err)

	err = kr.Remove(mustKey(t, 16))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustKey(t, 32)
	plaintext := []byte("suspect node-7 incarnation 42")
	label := []byte("prod-cluster")

	sealed, err := Seal(key, plaintext, label)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := Open(key, sealed, label)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	key := mustKey(t, 32)
	wrong := mustKey(t, 16)
	sealed, err := Seal(key, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Open(wrong, sealed, nil)
	assert.Error(t, err)
}

func TestOpenFailsWithMismatchedLabel(t *testing.T) {
	key := mustKey(t, 32)
	sealed, err := Seal(key, []byte("payload"), []byte("cluster-a"))
	require.NoError(t, err)

	_, err = Open(key, sealed, []byte("cluster-b"))
	assert.Error(t, err)
}
