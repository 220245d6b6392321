// Package transport implements the single-peer MODBUS TCP stream
// connection: connect, framed send/receive, and automatic reconnection
// with exponential backoff. It knows just enough of the MBAP wire
// format (a 6-byte prefix ending in a length field) to delimit frames
// on the stream; everything past that prefix is opaque to this package
// and is parsed by the protocol engine above it.
package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldbridge/indgw/pkg/ierrors"
	"github.com/fieldbridge/indgw/pkg/logging"
)

// State is one of the five connection states a Transport observes.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange is published on the Transport's event channel every time
// its connection state transitions.
type StateChange struct {
	DeviceID  string
	From      State
	To        State
	Timestamp time.Time
}

// Config tunes a single device's transport.
type Config struct {
	DeviceID             string
	Address              string
	Port                 int
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 = retry indefinitely
	TCPNoDelay           bool
}

// Defaults, mirroring the documented configuration defaults.
const (
	DefaultConnectTimeout       = 5 * time.Second
	DefaultReadTimeout          = 1 * time.Second
	DefaultWriteTimeout         = 1 * time.Second
	DefaultReconnectDelay       = 100 * time.Millisecond
	DefaultMaxReconnectAttempts = 3
	maxReconnectBackoff         = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// Transport is a single-peer MODBUS TCP connection. A single instance
// serialises every send/receive under one lock so transaction-id
// correlation above it can assume strict request/response ordering.
type Transport struct {
	cfg Config

	mu   sync.Mutex // serialises the send/receive window; the "session lock"
	conn net.Conn

	stateMu sync.RWMutex
	state   State

	events chan StateChange
	stop   atomic.Bool

	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64

	latencyMu  sync.Mutex
	latencyEMA time.Duration
}

// New constructs a Transport for one device. Call Connect before
// SendReceive.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg:    cfg,
		state:  StateDisconnected,
		events: make(chan StateChange, 16),
	}
}

// Events returns the channel of observed connection-state transitions.
func (t *Transport) Events() <-chan StateChange {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.stateMu.Lock()
	from := t.state
	t.state = s
	t.stateMu.Unlock()

	if from == s {
		return
	}
	change := StateChange{DeviceID: t.cfg.DeviceID, From: from, To: s, Timestamp: time.Now()}
	select {
	case t.events <- change:
	default:
		logging.Device(t.cfg.DeviceID, "state event channel full, dropping %s -> %s", from, s)
	}
}

// Connect establishes the session, retrying with exponential backoff
// on failure per the reconnection policy: delay = reconnect_delay *
// 1.5^(attempt-1), capped at 30s. If MaxReconnectAttempts is 0 it
// retries indefinitely until ctx is cancelled; otherwise it gives up
// and transitions to StateError once the cap is reached.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(StateConnecting)

	addr := net.JoinHostPort(t.cfg.Address, portString(t.cfg.Port))
	var lastErr error

	for attempt := 1; ; attempt++ {
		dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(t.cfg.TCPNoDelay)
			}
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			t.setState(StateConnected)
			return nil
		}

		lastErr = ierrors.ConnectionFailed(addr, err.Error())
		logging.Device(t.cfg.DeviceID, "connect attempt %d failed: %v", attempt, err)

		if t.cfg.MaxReconnectAttempts > 0 && attempt >= t.cfg.MaxReconnectAttempts {
			t.setState(StateError)
			return lastErr
		}

		t.setState(StateReconnecting)

		delay := backoffDelay(t.cfg.ReconnectDelay, attempt)
		select {
		case <-ctx.Done():
			return ierrors.ConnectionFailed(addr, ctx.Err().Error())
		case <-time.After(delay):
		}

		if t.stop.Load() {
			return lastErr
		}
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	mult := 1.0
	for i := 1; i < attempt; i++ {
		mult *= 1.5
	}
	d := time.Duration(float64(base) * mult)
	if d > maxReconnectBackoff {
		d = maxReconnectBackoff
	}
	return d
}

// SendReceive writes frame, then reads exactly one MBAP-delimited
// response frame (6-byte prefix whose last two bytes are the length
// of everything that follows). It is serialised under the session
// lock so concurrent callers can never interleave on one connection.
func (t *Transport) SendReceive(ctx context.Context, frame []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ierrors.NotConnected(t.cfg.DeviceID)
	}

	start := time.Now()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := t.conn.Write(frame)
	if err != nil {
		t.handleIOError(err)
		return nil, ierrors.ConnectionReset(t.remoteAddr())
	}
	t.bytesSent.Add(uint64(n))
	t.packetsSent.Add(1)

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}

	resp, err := t.readFrame()
	if err != nil {
		if isTimeout(err) {
			return nil, ierrors.ResponseTimeout(0)
		}
		t.handleIOError(err)
		return nil, ierrors.ConnectionReset(t.remoteAddr())
	}
	t.bytesReceived.Add(uint64(len(resp)))
	t.packetsReceived.Add(1)

	t.updateLatency(time.Since(start))
	return resp, nil
}

// readFrame reads the 6-byte MBAP prefix (transaction id, protocol id,
// length) and then exactly `length` further bytes (unit id + PDU).
func (t *Transport) readFrame() ([]byte, error) {
	prefix := make([]byte, 6)
	if _, err := io.ReadFull(t.conn, prefix); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(prefix[4:6])

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(t.conn, body); err != nil {
			return nil, err
		}
	}

	frame := make([]byte, 0, 6+len(body))
	frame = append(frame, prefix...)
	frame = append(frame, body...)
	return frame, nil
}

func (t *Transport) handleIOError(err error) {
	_ = t.conn.Close()
	t.conn = nil
	t.setState(StateDisconnected)
}

func (t *Transport) updateLatency(latency time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	if t.latencyEMA == 0 {
		t.latencyEMA = latency
		return
	}
	t.latencyEMA = (7*t.latencyEMA + latency) / 8
}

// LatencyEMA returns the exponential moving average of request/response
// latency: avg = (7*avg + new) / 8.
func (t *Transport) LatencyEMA() time.Duration {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	return t.latencyEMA
}

// Disconnect closes the session and transitions to StateDisconnected.
func (t *Transport) Disconnect() error {
	t.stop.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		t.setState(StateDisconnected)
		return err
	}
	t.setState(StateDisconnected)
	return nil
}

// Counters returns the running byte/packet counters.
func (t *Transport) Counters() (bytesSent, bytesReceived, packetsSent, packetsReceived uint64) {
	return t.bytesSent.Load(), t.bytesReceived.Load(), t.packetsSent.Load(), t.packetsReceived.Load()
}

func (t *Transport) remoteAddr() string {
	if t.conn != nil {
		return t.conn.RemoteAddr().String()
	}
	return net.JoinHostPort(t.cfg.Address, portString(t.cfg.Port))
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func portString(port int) string {
	return strconvItoa(port)
}

// strconvItoa avoids importing strconv solely for one call site; kept
// local since the package otherwise has no string-formatting need.
func strconvItoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
