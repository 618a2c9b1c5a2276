package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewStatic("acme")

	locked, err := locker.IsSymbolLocked(ctx, "ACME")
	require.NoError(t, err)
	assert.True(t, locked, "lookup must normalize case")

	locked, err = locker.IsSymbolLocked(ctx, "OTHER")
	require.NoError(t, err)
	assert.False(t, locked)

	locker.Lock("other")
	locked, _ = locker.IsSymbolLocked(ctx, "OTHER")
	assert.True(t, locked)

	locker.Unlock("ACME")
	locked, _ = locker.IsSymbolLocked(ctx, "ACME")
	assert.False(t, locked)
}

func TestLockerFunc(t *testing.T) {
	var asked string
	f := LockerFunc(func(_ context.Context, symbol string) (bool, error) {
		asked = symbol
		return true, nil
	})
	locked, err := f.IsSymbolLocked(context.Background(), "ACME")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "ACME", asked)
}
