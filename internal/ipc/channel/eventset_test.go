package channel_test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventSetMaskStartsZero(t *testing.T) {
	es := newEvents(t)
	defer es.Close()
	require.Equal(t, uint64(0), es.Mask())
}

func TestEventSetSetMaskCachesValue(t *testing.T) {
	es := newEvents(t)
	defer es.Close()

	es.SetMask(0x5)
	require.Equal(t, uint64(0x5), es.Mask())

	es.SetMask(0x7)
	require.Equal(t, uint64(0x7), es.Mask())
}

func TestEventSetFdIsValid(t *testing.T) {
	es := newEvents(t)
	defer es.Close()
	require.True(t, es.Fd().Valid())
}
