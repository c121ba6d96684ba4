package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	sender := NewSender(&buf)
	if err := sender.Send(DebuggerToDebuggeeVMXRoot, ActionPause, []byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv := NewReceiver(&buf, IsDebuggerSide)

	hdr, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if hdr.PacketType != DebuggerToDebuggeeVMXRoot {
		t.Fatalf("expected PacketType DebuggerToDebuggeeVMXRoot, got %v", hdr.PacketType)
	}

	if hdr.RequestedAction != ActionPause {
		t.Fatalf("expected ActionPause, got %v", hdr.RequestedAction)
	}

	if string(payload) != "payload" {
		t.Fatalf("expected payload %q, got %q", "payload", payload)
	}
}

func TestSendReceiveEmptyPayload(t *testing.T) {
	var buf bytes.Buffer

	sender := NewSender(&buf)
	if err := sender.Send(DebuggeeToDebugger, ActionStatus, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv := NewReceiver(&buf, IsDebuggeeSide)

	hdr, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if hdr.RequestedAction != ActionStatus {
		t.Fatalf("expected ActionStatus, got %v", hdr.RequestedAction)
	}

	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %v", payload)
	}
}

func TestReceiveRejectsWrongSide(t *testing.T) {
	var buf bytes.Buffer

	sender := NewSender(&buf)
	if err := sender.Send(DebuggeeToDebugger, ActionStatus, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv := NewReceiver(&buf, IsDebuggerSide)

	if _, _, err := recv.Next(); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestReceiveRejectsBadIndicator(t *testing.T) {
	var buf bytes.Buffer

	sender := NewSender(&buf)
	if err := sender.Send(DebuggerToDebuggeeVMXRoot, ActionPause, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw := buf.Bytes()
	raw[1] = 'X' // corrupt first indicator byte

	recv := NewReceiver(bytes.NewReader(raw), IsDebuggerSide)

	if _, _, err := recv.Next(); !errors.Is(err, ErrBadIndicator) {
		t.Fatalf("expected ErrBadIndicator, got %v", err)
	}
}

func TestReceiveRejectsBadChecksum(t *testing.T) {
	var buf bytes.Buffer

	sender := NewSender(&buf)
	if err := sender.Send(DebuggerToDebuggeeVMXRoot, ActionPause, []byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw := buf.Bytes()
	raw[0] ^= 0xFF // corrupt checksum byte

	recv := NewReceiver(bytes.NewReader(raw), IsDebuggerSide)

	if _, _, err := recv.Next(); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestReceiveSkipsSpuriousLeadingNUL(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0) // spurious wakeup byte before any real frame

	sender := NewSender(&buf)
	if err := sender.Send(DebuggerToDebuggeeUserMode, ActionContinue, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv := NewReceiver(&buf, IsDebuggerSide)

	hdr, _, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if hdr.RequestedAction != ActionContinue {
		t.Fatalf("expected ActionContinue, got %v", hdr.RequestedAction)
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer

	sender := NewSender(&buf)
	if err := sender.Send(DebuggerToDebuggeeVMXRoot, ActionPause, nil); err != nil {
		t.Fatalf("Send 1: %v", err)
	}

	if err := sender.Send(DebuggerToDebuggeeVMXRoot, ActionContinue, []byte("abc")); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	recv := NewReceiver(&buf, IsDebuggerSide)

	hdr1, _, err := recv.Next()
	if err != nil {
		t.Fatalf("Next 1: %v", err)
	}

	if hdr1.RequestedAction != ActionPause {
		t.Fatalf("expected first frame ActionPause, got %v", hdr1.RequestedAction)
	}

	hdr2, payload2, err := recv.Next()
	if err != nil {
		t.Fatalf("Next 2: %v", err)
	}

	if hdr2.RequestedAction != ActionContinue || string(payload2) != "abc" {
		t.Fatalf("expected second frame ActionContinue/abc, got %v/%q", hdr2.RequestedAction, payload2)
	}
}
