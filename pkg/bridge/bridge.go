// Package bridge is the telemetry bridge: it folds connection, protocol,
// value and alarm events from every other subsystem into a single
// severity-filtered, sampled, batched stream of LEX-topic records.
package bridge

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldbridge/indgw/pkg/config"
	"github.com/fieldbridge/indgw/pkg/emitter"
	"github.com/fieldbridge/indgw/pkg/logging"
	"github.com/fieldbridge/indgw/pkg/modbus"
	"github.com/fieldbridge/indgw/pkg/transport"
)

// Severity is the bridge's own four-level severity, ordered so a
// numeric comparison implements the filter.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// Config tunes the bridge's topic namespace, batching, severity filter
// and debug-event sampling.
type Config struct {
	GatewayIDHex    string // full hex-encoded gateway id; topics use the first 16 bytes (32 hex chars)
	Namespace       string
	BatchSize       int
	FlushIntervalMs int // carried for callers; the Bridge itself runs no flush timer
	SeverityFilter  Severity
	SamplingRate    float64
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "lex://estream/sys/industrial"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 100
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// Event is one record ready for the output surface.
type Event struct {
	Topic          string
	Payload        map[string]interface{}
	Severity       Severity
	Timestamp      time.Time
	SequenceNumber uint64
}

// Metrics tracks the bridge's own throughput, guarded by the same
// mutex as the batching buffer.
type Metrics struct {
	EventsReceived   uint64
	EventsEmitted    uint64
	EventsFiltered   uint64
	EventsSampledOut uint64
	BatchesSent      uint64
	BytesSent        uint64
}

// HealthEvent is the gateway's own periodic self-report.
type HealthEvent struct {
	GatewayID            string
	Version              string
	UptimeSeconds        float64
	DevicesConfigured    int
	DevicesOnline        int
	RegistersConfigured  int
	AlarmsActive         int
	RequestsTotal        uint64
	RequestsFailed       uint64
	AvgLatencyUs         uint32
}

// Bridge aggregates telemetry from every subsystem into one output
// channel. Its metrics and batching buffer share one mutex; the
// sequence counter is a separate atomic so a Flush never needs to hold
// the lock while emitting.
type Bridge struct {
	cfg Config

	mu     sync.Mutex
	metrics Metrics
	buffer  []Event

	sequence atomic.Uint64
	output   chan Event
}

// New constructs a Bridge. outputBuffer sizes the output channel (256
// matches the documented default).
func New(cfg Config, outputBuffer int) *Bridge {
	cfg.applyDefaults()
	return &Bridge{cfg: cfg, output: make(chan Event, outputBuffer)}
}

// Output returns the channel of emitted telemetry records.
func (b *Bridge) Output() <-chan Event { return b.output }

// Metrics returns a snapshot of the bridge's throughput counters.
func (b *Bridge) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

func (b *Bridge) gatewayHex16() string {
	hex := b.cfg.GatewayIDHex
	if len(hex) > 32 {
		hex = hex[:32]
	}
	return hex
}

// ProcessTransportEvent folds a connection state-change into the
// telemetry stream.
func (b *Bridge) ProcessTransportEvent(e transport.StateChange) {
	topic := fmt.Sprintf("%s/%s/connection", b.cfg.Namespace, b.gatewayHex16())
	payload := map[string]interface{}{
		"type":         "state_change",
		"device_id":    e.DeviceID,
		"old_state":    e.From.String(),
		"new_state":    e.To.String(),
		"timestamp_ns": e.Timestamp.UnixNano(),
	}
	b.process(topic, payload, SeverityInfo)
}

// ProcessModbusEvent folds a protocol-level request/response/exception
// observation into the telemetry stream.
func (b *Bridge) ProcessModbusEvent(e modbus.Event) {
	topic := fmt.Sprintf("%s/%s/protocol/modbus", b.cfg.Namespace, b.gatewayHex16())

	var eventType string
	severity := SeverityDebug
	payload := map[string]interface{}{
		"device_id":      e.DeviceID,
		"transaction_id": e.TransactionID,
		"timestamp_ns":   e.Timestamp.UnixNano(),
	}

	switch e.Kind {
	case modbus.EventRequest:
		eventType = "request"
		payload["function_code"] = e.FunctionCode
		payload["address"] = e.Address
		payload["quantity"] = e.Quantity
	case modbus.EventResponse:
		eventType = "response"
		payload["success"] = e.Success
		payload["latency_us"] = e.LatencyUs
	case modbus.EventException:
		eventType = "exception"
		payload["function_code"] = e.FunctionCode
		payload["exception_code"] = e.ExceptionCode
		severity = SeverityWarning
	}
	payload["type"] = eventType

	b.process(topic, payload, severity)
}

// ProcessValueEvent folds a decoded register reading into the
// telemetry stream. The bridge mints its own topic here (namespaced by
// the first 16 bytes of the gateway id) rather than reusing the
// per-value topic the emitter generated off the first 8 bytes — the
// two surfaces are addressed independently.
func (b *Bridge) ProcessValueEvent(e emitter.ValueEvent) {
	topic := fmt.Sprintf("%s/%s/device/%s/telemetry", b.cfg.Namespace, b.gatewayHex16(), e.DeviceID)
	payload := map[string]interface{}{
		"type":               "value",
		"event_id":           e.EventID,
		"name":               e.Name,
		"value":              e.Value,
		"unit":               e.Unit,
		"quality":            int(e.Quality),
		"source_timestamp_ns": e.SourceTimestamp.UnixNano(),
		"server_timestamp_ns": e.ServerTimestamp.UnixNano(),
	}
	if e.StringValue != "" {
		payload["string_value"] = e.StringValue
	}
	b.process(topic, payload, SeverityDebug)
}

// ProcessAlarmEvent folds an alarm state transition into the telemetry
// stream.
func (b *Bridge) ProcessAlarmEvent(e emitter.AlarmEvent) {
	topic := fmt.Sprintf("%s/%s/alarm", b.cfg.Namespace, b.gatewayHex16())

	eventType := "alarm_cleared"
	if e.State == emitter.StateActive {
		eventType = "alarm_active"
	}

	payload := map[string]interface{}{
		"type":            eventType,
		"alarm_id":        e.AlarmID,
		"name":            e.Name,
		"state":           e.State.String(),
		"current_value":   e.CurrentValue,
		"threshold_value": e.ThresholdValue,
		"message":         e.Message,
		"timestamp_ns":    e.Timestamp.UnixNano(),
	}

	b.process(topic, payload, alarmSeverity(e.Severity))
}

// ProcessHealthEvent folds the gateway's periodic self-report into the
// telemetry stream.
func (b *Bridge) ProcessHealthEvent(e HealthEvent) {
	topic := fmt.Sprintf("%s/%s/health", b.cfg.Namespace, b.gatewayHex16())
	payload := map[string]interface{}{
		"gateway_id":            e.GatewayID,
		"version":               e.Version,
		"uptime_seconds":        e.UptimeSeconds,
		"devices_configured":    e.DevicesConfigured,
		"devices_online":        e.DevicesOnline,
		"registers_configured":  e.RegistersConfigured,
		"alarms_active":         e.AlarmsActive,
		"requests_total":        e.RequestsTotal,
		"requests_failed":       e.RequestsFailed,
		"avg_latency_us":        e.AvgLatencyUs,
		"timestamp_ns":          time.Now().UnixNano(),
	}
	b.process(topic, payload, SeverityInfo)
}

// process applies the severity filter, samples Debug-severity events,
// and buffers whatever survives for the next flush.
func (b *Bridge) process(topic string, payload map[string]interface{}, severity Severity) {
	b.mu.Lock()
	b.metrics.EventsReceived++
	b.mu.Unlock()

	if severity < b.cfg.SeverityFilter {
		b.mu.Lock()
		b.metrics.EventsFiltered++
		b.mu.Unlock()
		return
	}

	if severity == SeverityDebug && b.cfg.SamplingRate < 1.0 {
		if rand.Float64() > b.cfg.SamplingRate {
			b.mu.Lock()
			b.metrics.EventsSampledOut++
			b.mu.Unlock()
			return
		}
	}

	if _, ok := payload["gateway_id"]; !ok {
		payload["gateway_id"] = b.cfg.GatewayIDHex
	}

	event := Event{
		Topic:          topic,
		Payload:        payload,
		Severity:       severity,
		Timestamp:      time.Now(),
		SequenceNumber: b.sequence.Add(1),
	}

	b.mu.Lock()
	b.buffer = append(b.buffer, event)
	shouldFlush := len(b.buffer) >= b.cfg.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.Flush()
	}
}

// Flush drains the buffer onto the output channel, whether it was
// triggered by reaching batch size or called manually (Gateway.Stop
// calls it on shutdown).
func (b *Bridge) Flush() {
	b.mu.Lock()
	events := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	var bytesSent uint64
	for _, event := range events {
		if data, err := json.Marshal(event.Payload); err == nil {
			bytesSent += uint64(len(data))
		}
		select {
		case b.output <- event:
		default:
			logging.Subsystem(logging.SubsystemBridge, "output channel full, dropping event on topic %s", event.Topic)
		}
	}

	b.mu.Lock()
	b.metrics.EventsEmitted += uint64(len(events))
	b.metrics.BatchesSent++
	b.metrics.BytesSent += bytesSent
	b.mu.Unlock()
}

// ParseSeverity maps a configured severity-filter string (as loaded
// from YAML) onto the bridge's own Severity scale, defaulting to Info
// for anything unrecognized.
func ParseSeverity(s string) Severity {
	switch s {
	case "debug":
		return SeverityDebug
	case "warning":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

func alarmSeverity(s config.Severity) Severity {
	switch s {
	case config.SeverityWarning:
		return SeverityWarning
	case config.SeverityCritical:
		return SeverityError
	default:
		return SeverityInfo
	}
}
