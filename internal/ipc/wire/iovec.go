package wire

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sendFrame writes buf to rawFd in full, attaching oob (if any) to the
// first non-empty write. Every other low-level socket helper in this
// package is built on top of this and recvFrame; nothing outside this
// file calls unix.Sendmsg/Recvmsg directly.
func sendFrame(rawFd int, buf []byte, oob []byte) error {
	sent := 0
	for sent < len(buf) || (sent == 0 && len(buf) == 0 && oob != nil) {
		chunkOob := oob
		if sent > 0 {
			chunkOob = nil
		}
		n, err := unix.SendmsgN(rawFd, buf[sent:], chunkOob, nil, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrapf(err, "sendmsg on fd %d", rawFd)
		}
		if n == 0 && len(buf[sent:]) > 0 {
			return errors.Errorf("sendmsg on fd %d: short write", rawFd)
		}
		sent += n
		oob = nil
		if len(buf) == 0 {
			break
		}
	}
	return nil
}

// recvFrame reads exactly len(buf) bytes into buf from rawFd, returning
// any ancillary data delivered alongside the first bytes of the frame.
// A clean peer shutdown before any byte is read is reported as
// unix.ESHUTDOWN; any other short read is IO-family.
func recvFrame(rawFd int, buf []byte, oobLen int) (oob []byte, err error) {
	received := 0
	oobBuf := make([]byte, oobLen)
	oobReceived := 0
	for received < len(buf) {
		n, oobn, _, _, rerr := unix.Recvmsg(rawFd, buf[received:], oobBuf[oobReceived:], 0)
		if rerr != nil {
			if rerr == unix.EINTR {
				continue
			}
			return nil, errors.Wrapf(rerr, "recvmsg on fd %d", rawFd)
		}
		if n == 0 {
			if received == 0 {
				return nil, unix.ESHUTDOWN
			}
			return nil, errors.Wrapf(unix.EIO, "recvmsg on fd %d: short read, got %d of %d bytes", rawFd, received, len(buf))
		}
		if oobn > 0 {
			oobReceived += oobn
		}
		received += n
	}
	return oobBuf[:oobReceived], nil
}
