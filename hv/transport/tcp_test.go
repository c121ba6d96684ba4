package transport

import "testing"

func TestListenAndDialTCPRoundTrip(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	accepted := make(chan error, 1)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			accepted <- err

			return
		}
		defer conn.Close()

		sender := NewSender(conn)
		accepted <- sender.Send(DebuggeeToDebugger, ActionStatus, []byte("ok"))
	}()

	client, err := DialTCP(l.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	recv := NewReceiver(client, IsDebuggeeSide)

	hdr, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if err := <-accepted; err != nil {
		t.Fatalf("server send: %v", err)
	}

	if hdr.RequestedAction != ActionStatus || string(payload) != "ok" {
		t.Fatalf("unexpected frame: %v %q", hdr.RequestedAction, payload)
	}
}

func TestDialTCPConnectionRefused(t *testing.T) {
	if _, err := DialTCP("127.0.0.1:1"); err == nil {
		t.Fatal("expected error dialing a closed port")
	}
}
