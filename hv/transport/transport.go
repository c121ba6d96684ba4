// Package transport implements the C10 debugger<->debuggee wire protocol:
// a framed, checksum-protected packet carried over any
// io.ReadWriteCloser, using the variable framing (header + typed
// payload + sentinel) spec.md §4.10 specifies.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Indicator is the fixed 8-byte magic every frame opens with, reproduced
// byte-for-byte from original_source/hyperdbg/include/Definition.h.
var Indicator = [8]byte{'H', 'Y', 'P', 'E', 'R', 'D', 'B', 'G'}

// EndOfBuffer is the 4-byte sentinel terminating every frame on the wire.
var EndOfBuffer = [4]byte{0x00, 0x80, 0xEE, 0xFF}

// MaxPacketSize bounds a single frame's total size; a Receiver that has
// not found the sentinel by this many bytes reports ErrPacketTooLarge
// rather than growing its buffer without limit.
const MaxPacketSize = 1 << 20

// Type identifies which direction, and in what guest privilege context, a
// packet travels.
type Type uint8

const (
	// DebuggerToDebuggeeVMXRoot carries commands meant to run against
	// parked hypervisor state (register/memory reads, breakpoints).
	DebuggerToDebuggeeVMXRoot Type = iota
	// DebuggerToDebuggeeUserMode carries commands that need a live guest
	// user-mode context (script execution against a process).
	DebuggerToDebuggeeUserMode
	// DebuggeeToDebugger carries responses and unsolicited pause packets.
	DebuggeeToDebugger
)

func (t Type) valid() bool {
	return t == DebuggerToDebuggeeVMXRoot || t == DebuggerToDebuggeeUserMode || t == DebuggeeToDebugger
}

// RequestedAction is the command/response code, the wire contract whose
// integer assignments must stay identical across debugger and debuggee
// builds per spec.md §4.10 — a version mismatch is caught only by a
// missing Indicator, not by negotiation.
type RequestedAction uint32

const (
	ActionPause RequestedAction = iota
	ActionContinue
	ActionStepInto
	ActionStepOver
	ActionStepInstrument
	ActionChangeCore
	ActionChangeProcess
	ActionChangeThread
	ActionFlush
	ActionReadRegisters
	ActionReadMemory
	ActionEditMemory
	ActionSetBreakpoint
	ActionListBreakpoints
	ActionRemoveBreakpoint
	ActionRegisterEvent
	ActionModifyEvent
	ActionTerminateEvent
	ActionRunScript
	ActionUserInput
	ActionCallstack
	ActionTestQuery
	ActionSymbolReload
	ActionSearch
	ActionPTE
	ActionVAToPA
	ActionPAToVA
	ActionPausedPacket // unsolicited: debuggee -> debugger on halt
	ActionStatus       // response envelope carrying an hv.Status
)

// headerSize is the packed header's on-wire size: 1 checksum + 8
// Indicator + 1 Type + 4 RequestedAction + 2 bytes explicit padding,
// resolving spec.md §9's wire-alignment open question without relying on
// any compiler default packing.
const headerSize = 16

// Header is the fixed-size prefix of every frame.
type Header struct {
	Checksum        byte
	Indicator       [8]byte
	PacketType      Type
	RequestedAction RequestedAction
}

// marshal writes h into a 16-byte buffer, little-endian, with the 2
// trailing pad bytes always zero.
func (h *Header) marshal() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.Checksum
	copy(buf[1:9], h.Indicator[:])
	buf[9] = byte(h.PacketType)
	buf[10] = byte(h.RequestedAction)
	buf[11] = byte(h.RequestedAction >> 8)
	buf[12] = byte(h.RequestedAction >> 16)
	buf[13] = byte(h.RequestedAction >> 24)
	// buf[14:16] explicit padding, left zero.

	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("header: need %d bytes, got %d", headerSize, len(buf))
	}

	var h Header

	h.Checksum = buf[0]
	copy(h.Indicator[:], buf[1:9])
	h.PacketType = Type(buf[9])
	h.RequestedAction = RequestedAction(buf[10]) | RequestedAction(buf[11])<<8 |
		RequestedAction(buf[12])<<16 | RequestedAction(buf[13])<<24

	return h, nil
}

// checksum computes the 1-byte additive checksum over every byte after
// the checksum field itself: Indicator, Type, RequestedAction, padding,
// and payload.
func checksum(rest []byte) byte {
	var sum byte
	for _, b := range rest {
		sum += b
	}

	return sum
}

var (
	// ErrBadIndicator means the frame's Indicator did not match, the only
	// error that aborts the whole connection rather than dropping one
	// frame, per spec.md §5's propagation policy.
	ErrBadIndicator = errors.New("transport: bad indicator")
	// ErrChecksum means a frame's checksum did not verify; the frame is
	// dropped and the receiver loops.
	ErrChecksum = errors.New("transport: checksum mismatch")
	// ErrInvalidType means the frame's Type is not valid for the
	// receiving side (e.g. a debuggee seeing a DebuggeeToDebugger frame).
	ErrInvalidType = errors.New("transport: invalid packet type for receiver")
	// ErrPacketTooLarge means no sentinel was found within MaxPacketSize.
	ErrPacketTooLarge = errors.New("transport: packet exceeds maximum size")
)

// Sender frames and writes packets to w.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a transport Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Send writes one complete frame: header, payload, sentinel. The checksum
// is computed over Indicator..payload and written into the header before
// any bytes go to the wire.
func (s *Sender) Send(t Type, action RequestedAction, payload []byte) error {
	h := Header{Indicator: Indicator, PacketType: t, RequestedAction: action}
	hdr := h.marshal()

	h.Checksum = checksum(append(append([]byte(nil), hdr[1:]...), payload...))
	hdr[0] = h.Checksum

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	if _, err := s.w.Write(EndOfBuffer[:]); err != nil {
		return fmt.Errorf("send sentinel: %w", err)
	}

	return nil
}

// Receiver reads frames from r byte-by-byte, as a true 16550 UART
// receiver would (WaitCommEvent(EV_RXCHAR) then one byte at a time),
// appending to a growing buffer until the sentinel appears at its tail.
type Receiver struct {
	r       io.Reader
	forSide func(Type) bool // which Type values this side accepts
}

// NewReceiver wraps r as a transport Receiver. acceptedTypes restricts
// which packet Types this side will accept; a debuggee receiver passes
// IsDebuggerSide, a debugger receiver passes IsDebuggeeSide.
func NewReceiver(r io.Reader, acceptedTypes func(Type) bool) *Receiver {
	return &Receiver{r: r, forSide: acceptedTypes}
}

// IsDebuggerSide accepts the two debugger-to-debuggee Type values.
func IsDebuggerSide(t Type) bool {
	return t == DebuggerToDebuggeeVMXRoot || t == DebuggerToDebuggeeUserMode
}

// IsDebuggeeSide accepts the debuggee-to-debugger Type value.
func IsDebuggeeSide(t Type) bool {
	return t == DebuggeeToDebugger
}

// Next reads one complete, checksum-verified frame and returns its
// header and payload. Zero-length or lone-NUL reads are spurious wakeups
// (the peer may have cancelled an overlapped read) and are silently
// retried rather than surfaced as an error.
func (r *Receiver) Next() (Header, []byte, error) {
	buf := make([]byte, 0, 256)
	one := make([]byte, 1)

	for {
		n, err := r.r.Read(one)
		if err != nil {
			return Header{}, nil, fmt.Errorf("receive: %w", err)
		}

		if n == 0 || (n == 1 && one[0] == 0 && len(buf) == 0) {
			continue
		}

		buf = append(buf, one[0])

		if len(buf) >= headerSize+4 && bytes.Equal(buf[len(buf)-4:], EndOfBuffer[:]) {
			break
		}

		if len(buf) > MaxPacketSize {
			return Header{}, nil, ErrPacketTooLarge
		}
	}

	body := buf[:len(buf)-4]

	h, err := unmarshalHeader(body)
	if err != nil {
		return Header{}, nil, err
	}

	if h.Indicator != Indicator {
		return Header{}, nil, ErrBadIndicator
	}

	if r.forSide != nil && !h.PacketType.valid() {
		return Header{}, nil, ErrInvalidType
	}

	if r.forSide != nil && !r.forSide(h.PacketType) {
		return Header{}, nil, ErrInvalidType
	}

	want := checksum(body[1:])
	if want != h.Checksum {
		return Header{}, nil, ErrChecksum
	}

	payload := append([]byte(nil), body[headerSize:]...)

	return h, payload, nil
}
