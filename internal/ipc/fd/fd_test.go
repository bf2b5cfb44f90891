package fd_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
)

func openDevNull(t *testing.T) int {
	t.Helper()
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return int(f.Fd())
}

func TestOwnedCloseIsIdempotent(t *testing.T) {
	raw := dupRaw(t, openDevNull(t))
	o := fd.NewOwned(raw)
	require.True(t, o.Valid())
	require.NoError(t, o.Close())
	require.False(t, o.Valid())
	require.NoError(t, o.Close())
}

func TestOwnedTakeReleasesOwnership(t *testing.T) {
	raw := dupRaw(t, openDevNull(t))
	o := fd.NewOwned(raw)
	got := o.Take()
	require.Equal(t, raw, got)
	require.False(t, o.Valid())
	require.NoError(t, unix.Close(got))
}

func TestBorrowedDupCreatesIndependentFd(t *testing.T) {
	raw := dupRaw(t, openDevNull(t))
	o := fd.NewOwned(raw)
	defer o.Close()

	b := o.Borrow()
	require.True(t, b.Valid())

	dup, err := b.Dup()
	require.NoError(t, err)
	defer dup.Close()
	require.NotEqual(t, o.Int(), dup.Int())

	var st1, st2 unix.Stat_t
	require.NoError(t, unix.Fstat(o.Int(), &st1))
	require.NoError(t, unix.Fstat(dup.Int(), &st2))
	require.Equal(t, st1.Ino, st2.Ino)
	require.Equal(t, st1.Dev, st2.Dev)
}

func TestBorrowedDupOfInvalidIsNoop(t *testing.T) {
	b := fd.NewBorrowed(fd.Invalid)
	require.False(t, b.Valid())
	owned, err := b.Dup()
	require.NoError(t, err)
	require.False(t, owned.Valid())
}

func dupRaw(t *testing.T, raw int) int {
	t.Helper()
	dup, err := unix.FcntlInt(uintptr(raw), unix.F_DUPFD_CLOEXEC, 0)
	require.NoError(t, err)
	return int(dup)
}
