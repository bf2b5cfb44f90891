// Package wire implements the on-the-wire framing for request and
// response frames described for this IPC substrate: a fixed-schema
// header, an SCM_RIGHTS-carried fd list split into plain files and
// paired channel-infos, and SCM_CREDENTIALS-carried peer credentials on
// requests. It is the one package in this tree allowed to touch
// Sendmsg/Recvmsg directly (see iovec.go).
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ImpulsePayloadSize is the fixed inline payload carried by every
// impulse request. It is a wire-format constant, not a tunable: both
// sides of a channel must agree on it out of band.
const ImpulsePayloadSize = 32

// maxInlineFds bounds how much ancillary-data buffer ReadRequest
// allocates up front. A single SCM_RIGHTS message cannot carry more
// than the kernel's SCM_MAX_FD (253) fds; this substrate never needs
// anywhere near that many in one frame, so a much smaller bound keeps
// the per-call allocation cheap.
const maxInlineFds = 64

// Credentials is the Go shape of a request's SCM_CREDENTIALS payload.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// ChannelInfo is a channel handed across the wire as a (data fd, event
// fd) pair, exactly as spec'd: always two consecutive fds inside the
// surrounding SCM_RIGHTS list.
type ChannelInfo struct {
	DataFd  int
	EventFd int
}

// RequestHeader is one decoded request frame. Files and Channels carry
// raw, owned fd numbers: the caller becomes responsible for closing
// them (or handing that responsibility onward) the moment ReadRequest
// returns successfully.
type RequestHeader struct {
	Op             int32
	SendLen        uint32
	MaxRecvLen     uint32
	IsImpulse      bool
	ImpulsePayload [ImpulsePayloadSize]byte
	Cred           Credentials
	Files          []int
	Channels       []ChannelInfo
	payload        []byte
}

// ResponseHeader is what MessageReply assembles before sending. Files
// and Channels carry borrowed fd numbers: the kernel duplicates them
// into the peer's fd table on sendmsg, so the sender's copies are
// unaffected and remain the sender's to close afterward.
type ResponseHeader struct {
	RetCode  int32
	RecvLen  uint32
	Files    []int
	Channels []ChannelInfo
}

type fixedRequestHeader struct {
	Op             int32
	SendLen        uint32
	MaxRecvLen     uint32
	IsImpulse      uint32
	NumFiles       uint32
	NumChannels    uint32
	ImpulsePayload [ImpulsePayloadSize]byte
}

type fixedResponseHeader struct {
	RetCode     int32
	RecvLen     uint32
	NumFiles    uint32
	NumChannels uint32
}

// ReadRequest reads one full request frame (header, ancillary data,
// and payload if applicable) from rawFd. A clean peer shutdown while
// reading the header is returned as unix.ESHUTDOWN.
func ReadRequest(rawFd int) (*RequestHeader, error) {
	fixedBuf := make([]byte, binary.Size(fixedRequestHeader{}))
	oobLen := unix.CmsgSpace(maxInlineFds*4) + unix.CmsgSpace(unix.SizeofUcred)
	oob, err := recvFrame(rawFd, fixedBuf, oobLen)
	if err != nil {
		return nil, err
	}

	var fixed fixedRequestHeader
	if err := binary.Read(bytes.NewReader(fixedBuf), binary.LittleEndian, &fixed); err != nil {
		return nil, errors.Wrap(err, "decoding request header")
	}

	allFds, cred, err := parseAncillary(oob)
	if err != nil {
		return nil, err
	}
	wantFds := int(fixed.NumFiles) + 2*int(fixed.NumChannels)
	if len(allFds) != wantFds {
		for _, f := range allFds {
			unix.Close(f)
		}
		return nil, errors.Wrapf(unix.EIO, "request header declared %d fds, ancillary data carried %d", wantFds, len(allFds))
	}

	hdr := &RequestHeader{
		Op:             fixed.Op,
		SendLen:        fixed.SendLen,
		MaxRecvLen:     fixed.MaxRecvLen,
		IsImpulse:      fixed.IsImpulse != 0,
		ImpulsePayload: fixed.ImpulsePayload,
	}
	if cred != nil {
		hdr.Cred = Credentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}
	}

	hdr.Files = append(hdr.Files, allFds[:fixed.NumFiles]...)
	rest := allFds[fixed.NumFiles:]
	for i := 0; i < int(fixed.NumChannels); i++ {
		hdr.Channels = append(hdr.Channels, ChannelInfo{DataFd: rest[2*i], EventFd: rest[2*i+1]})
	}

	if !hdr.IsImpulse && fixed.SendLen > 0 {
		payload := make([]byte, fixed.SendLen)
		if _, err := recvFrame(rawFd, payload, 0); err != nil {
			for _, f := range hdr.Files {
				unix.Close(f)
			}
			for _, ci := range hdr.Channels {
				unix.Close(ci.DataFd)
				unix.Close(ci.EventFd)
			}
			return nil, err
		}
		hdr.payload = payload
	}

	return hdr, nil
}

// Payload returns the request's payload bytes, if any were read.
func (h *RequestHeader) Payload() []byte {
	return h.payload
}

// SetPayload overrides the request's payload. ReadRequest fills the
// payload from the wire without calling this; tests use this to
// construct a RequestHeader directly.
func (h *RequestHeader) SetPayload(b []byte) {
	h.payload = b
}

func parseAncillary(oob []byte) ([]int, *unix.Ucred, error) {
	if len(oob) == 0 {
		return nil, nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing ancillary data")
	}
	var fds []int
	var cred *unix.Ucred
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_RIGHTS:
			got, err := unix.ParseUnixRights(&m)
			if err != nil {
				return nil, nil, errors.Wrap(err, "parsing SCM_RIGHTS")
			}
			fds = append(fds, got...)
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_CREDENTIALS:
			got, err := unix.ParseUnixCredentials(&m)
			if err != nil {
				return nil, nil, errors.Wrap(err, "parsing SCM_CREDENTIALS")
			}
			cred = got
		}
	}
	return fds, cred, nil
}

// WriteResponse sends one response frame: the fixed header with any
// attached fds as SCM_RIGHTS ancillary data, followed by the payload
// bytes if non-empty.
func WriteResponse(rawFd int, hdr *ResponseHeader, payload []byte) error {
	fixed := fixedResponseHeader{
		RetCode:     hdr.RetCode,
		RecvLen:     uint32(len(payload)),
		NumFiles:    uint32(len(hdr.Files)),
		NumChannels: uint32(len(hdr.Channels)),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, fixed); err != nil {
		return errors.Wrap(err, "encoding response header")
	}

	fds := append([]int{}, hdr.Files...)
	for _, ci := range hdr.Channels {
		fds = append(fds, ci.DataFd, ci.EventFd)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	if err := sendFrame(rawFd, buf.Bytes(), oob); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := sendFrame(rawFd, payload, nil); err != nil {
			return err
		}
	}
	return nil
}
