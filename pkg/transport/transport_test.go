package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeServer accepts one connection and echoes back a canned MBAP
// response frame for every request it receives.
func fakeServer(t *testing.T, response []byte) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		prefix := make([]byte, 6)
		for {
			if _, err := conn.Read(prefix); err != nil {
				return
			}
			length := binary.BigEndian.Uint16(prefix[4:6])
			body := make([]byte, length)
			_, _ = conn.Read(body)

			if _, err := conn.Write(response); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), func() {
		close(done)
		ln.Close()
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func TestConnectAndSendReceive(t *testing.T) {
	t.Parallel()

	response := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x01, 0x02, 0x00}
	addr, stop := fakeServer(t, response)
	defer stop()

	host, port := splitHostPort(t, addr)
	tr := New(Config{DeviceID: "plc-01", Address: host, Port: port, ConnectTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := tr.State(); got != StateConnected {
		t.Fatalf("State() = %v, want StateConnected", got)
	}

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	resp, err := tr.SendReceive(ctx, req)
	if err != nil {
		t.Fatalf("SendReceive() error = %v", err)
	}
	if len(resp) != len(response) {
		t.Fatalf("SendReceive() returned %d bytes, want %d", len(resp), len(response))
	}

	sent, received, pktSent, pktReceived := tr.Counters()
	if sent == 0 || received == 0 || pktSent != 1 || pktReceived != 1 {
		t.Errorf("Counters() = (%d, %d, %d, %d), want nonzero byte counts and one packet each way", sent, received, pktSent, pktReceived)
	}

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := tr.State(); got != StateDisconnected {
		t.Fatalf("State() after Disconnect() = %v, want StateDisconnected", got)
	}
}

func TestConnectFailureEntersErrorState(t *testing.T) {
	t.Parallel()

	tr := New(Config{
		DeviceID:             "plc-02",
		Address:              "127.0.0.1",
		Port:                 1, // nothing listens here
		ConnectTimeout:       50 * time.Millisecond,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err == nil {
		t.Fatal("Connect() expected an error when max reconnect attempts are exhausted")
	}
	if got := tr.State(); got != StateError {
		t.Fatalf("State() = %v, want StateError", got)
	}
}

func TestSendReceiveWithoutConnectionFails(t *testing.T) {
	t.Parallel()

	tr := New(Config{DeviceID: "plc-03", Address: "127.0.0.1", Port: 502})
	ctx := context.Background()

	if _, err := tr.SendReceive(ctx, []byte{0x00}); err == nil {
		t.Fatal("SendReceive() expected an error when not connected")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoffDelay(time.Second, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(1s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := backoffDelay(time.Second, 50); got != maxReconnectBackoff {
		t.Errorf("backoffDelay(1s, 50) = %v, want cap %v", got, maxReconnectBackoff)
	}
}

func TestStateChangeEvents(t *testing.T) {
	t.Parallel()

	response := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x01, 0x03}
	addr, stop := fakeServer(t, response)
	defer stop()

	host, port := splitHostPort(t, addr)
	tr := New(Config{DeviceID: "plc-04", Address: host, Port: port})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var saw []State
	draining := true
	for draining {
		select {
		case change := <-tr.Events():
			saw = append(saw, change.To)
		default:
			draining = false
		}
	}

	found := false
	for _, s := range saw {
		if s == StateConnecting || s == StateConnected {
			found = true
		}
	}
	if !found {
		t.Errorf("Events() did not surface a connecting/connected transition, saw %v", saw)
	}
}
