package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/fieldbridge/indgw/pkg/transport"
)

// fakeDevice accepts one connection and responds to a read-holding-
// registers request with a canned two-register payload, or to a write
// request with a normal echo acknowledgement.
func fakeDevice(t *testing.T) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			prefix := make([]byte, 6)
			if _, err := conn.Read(prefix); err != nil {
				return
			}
			length := binary.BigEndian.Uint16(prefix[4:6])
			body := make([]byte, length)
			if _, err := conn.Read(body); err != nil {
				return
			}
			unitID := body[0]
			functionCode := body[1]

			txnID := binary.BigEndian.Uint16(prefix[0:2])

			var respPDU []byte
			switch functionCode {
			case FuncReadHoldingRegisters:
				respPDU = []byte{functionCode, 0x04, 0x00, 0x2A, 0x00, 0x01}
			case FuncWriteSingleRegister, FuncWriteSingleCoil:
				respPDU = body[1:]
			case FuncWriteMultipleRegisters, FuncWriteMultipleCoils:
				respPDU = []byte{functionCode, body[2], body[3], body[4], body[5]}
			default:
				respPDU = []byte{functionCode | 0x80, 0x01}
			}

			respLen := uint16(len(respPDU) + 1)
			resp := make([]byte, 0, 7+len(respPDU))
			resp = append(resp, byte(txnID>>8), byte(txnID), 0x00, 0x00, byte(respLen>>8), byte(respLen), unitID)
			resp = append(resp, respPDU...)

			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func newConnectedClient(t *testing.T, addr string) *Client {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	tr := transport.New(transport.Config{DeviceID: "plc-test", Address: host, Port: port, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { tr.Disconnect() })

	return New("plc-test", 1, tr, nil)
}

func TestReadHoldingRegisters(t *testing.T) {
	t.Parallel()

	addr, stop := fakeDevice(t)
	defer stop()
	client := newConnectedClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Read(ctx, ReadRequest{RequestID: 1, Class: ClassHolding, Address: 100, Quantity: 2})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []uint16{0x002A, 0x0001}
	if len(resp.Values) != len(want) || resp.Values[0] != want[0] || resp.Values[1] != want[1] {
		t.Errorf("Read() values = %v, want %v", resp.Values, want)
	}
}

func TestWriteSingleRegister(t *testing.T) {
	t.Parallel()

	addr, stop := fakeDevice(t)
	defer stop()
	client := newConnectedClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.WriteSingle(ctx, WriteRequest{RequestID: 1, Class: ClassHolding, Address: 200, Values: []uint16{42}})
	if err != nil {
		t.Fatalf("WriteSingle() error = %v", err)
	}
}

func TestWriteMultipleRegisters(t *testing.T) {
	t.Parallel()

	addr, stop := fakeDevice(t)
	defer stop()
	client := newConnectedClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.WriteMultiple(ctx, WriteRequest{RequestID: 1, Class: ClassHolding, Address: 300, Values: []uint16{1, 2, 3}})
	if err != nil {
		t.Fatalf("WriteMultiple() error = %v", err)
	}
}

func TestWriteToReadOnlyClassFails(t *testing.T) {
	t.Parallel()

	addr, stop := fakeDevice(t)
	defer stop()
	client := newConnectedClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.WriteSingle(ctx, WriteRequest{Class: ClassInput, Address: 1, Values: []uint16{1}}); err == nil {
		t.Fatal("WriteSingle() expected an error for a read-only register class")
	}
}

func TestNextTransactionIDNeverZero(t *testing.T) {
	t.Parallel()

	c := &Client{}
	c.txnID.Store(0xFFFE)
	for i := 0; i < 5; i++ {
		if id := c.nextTransactionID(); id == 0 {
			t.Fatal("nextTransactionID() returned 0")
		}
	}
}

func TestDecodeBits(t *testing.T) {
	t.Parallel()

	bits := decodeBits([]byte{0b00000101}, 4)
	want := []bool{true, false, true, false}
	for i := range want {
		if bits[i] != want[i] {
			t.Errorf("decodeBits()[%d] = %v, want %v", i, bits[i], want[i])
		}
	}
}

func FuzzNextTransactionID(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(0xFFFF))
	f.Fuzz(func(t *testing.T, start uint32) {
		c := &Client{}
		c.txnID.Store(start)
		for i := 0; i < 10; i++ {
			if id := c.nextTransactionID(); id == 0 {
				t.Fatalf("nextTransactionID() returned 0 starting from %d", start)
			}
		}
	})
}
