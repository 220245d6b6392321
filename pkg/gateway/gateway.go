// Package gateway wires a Transport and protocol Client per configured
// device into a shared Scheduler, Emitter and telemetry Bridge, and
// drives the resulting pipeline for the lifetime of one running
// gateway: up to 10 devices, 256 registers and 64 alarms.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldbridge/indgw/pkg/bridge"
	"github.com/fieldbridge/indgw/pkg/config"
	"github.com/fieldbridge/indgw/pkg/emitter"
	"github.com/fieldbridge/indgw/pkg/ierrors"
	"github.com/fieldbridge/indgw/pkg/logging"
	"github.com/fieldbridge/indgw/pkg/modbus"
	"github.com/fieldbridge/indgw/pkg/scheduler"
	"github.com/fieldbridge/indgw/pkg/stats"
	"github.com/fieldbridge/indgw/pkg/storage"
	"github.com/fieldbridge/indgw/pkg/transport"
)

// Limits re-exported from pkg/config so callers constructing a Gateway
// outside of config.Load still see the same ceiling.
const (
	MaxDevices   = config.MaxDevices
	MaxRegisters = config.MaxRegisters
	MaxAlarms    = config.MaxAlarms
)

const (
	triggerBufferSize     = 256
	valueEventBufferSize  = 256
	alarmEventBufferSize  = 64
	lexEventBufferSize    = 256
	modbusEventBufferSize = 256
	subscriberBufferSize  = 64
)

// Metrics is the gateway's own aggregate view, separate from the
// per-poll-item bookkeeping the scheduler keeps for itself.
type Metrics struct {
	DevicesConfigured int
	DevicesOnline     int
	RequestsTotal     uint64
	RequestsFailed    uint64
	AvgLatencyUs      uint32
}

type deviceRuntime struct {
	transport *transport.Transport
	client    *modbus.Client
}

// Gateway is the top-level runtime: it owns every device connection and
// the scheduler/emitter/bridge pipeline that turns scheduled polls into
// telemetry.
type Gateway struct {
	cfg        *config.Gateway
	version    string
	configFile string

	devicesMu sync.RWMutex
	devices   map[string]*deviceRuntime

	scheduler *scheduler.Scheduler
	emitter   *emitter.Emitter
	bridge    *bridge.Bridge
	stats     *stats.Statistics
	store     *storage.Storage

	modbusEvents chan modbus.Event

	metricsMu sync.Mutex
	metrics   Metrics

	subMu     sync.RWMutex
	eventSubs []chan emitter.ValueEvent
	alarmSubs []chan emitter.AlarmEvent
	lexSubs   []chan bridge.Event

	startTimeMu sync.Mutex
	startTime   time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Gateway from a validated configuration. It re-checks the
// device/register/alarm ceilings itself so a Gateway assembled without
// going through config.Load still can't exceed them.
func New(cfg *config.Gateway, version string) (*Gateway, error) {
	if len(cfg.Devices) > MaxDevices {
		return nil, ierrors.LimitExceeded("devices", MaxDevices, uint32(len(cfg.Devices)))
	}
	total := cfg.TotalRegisters()
	if total > MaxRegisters {
		return nil, ierrors.LimitExceeded("registers", MaxRegisters, uint32(total))
	}
	if len(cfg.Alarms) > MaxAlarms {
		return nil, ierrors.LimitExceeded("alarms", MaxAlarms, uint32(len(cfg.Alarms)))
	}

	g := &Gateway{
		cfg:          cfg,
		version:      version,
		devices:      make(map[string]*deviceRuntime),
		modbusEvents: make(chan modbus.Event, modbusEventBufferSize),
		scheduler: scheduler.New(scheduler.Config{
			MaxPollsPerSecond: cfg.Scheduler.MaxPollsPerSecond,
			Adaptive:          cfg.Scheduler.Adaptive,
			BackoffFactor:     cfg.Scheduler.BackoffFactor,
			MaxBackoffMs:      cfg.Scheduler.MaxBackoffMs,
		}, triggerBufferSize),
		emitter: emitter.New(emitter.Config{GatewayIDHex: cfg.ID}, valueEventBufferSize, alarmEventBufferSize),
		bridge: bridge.New(bridge.Config{
			GatewayIDHex:    cfg.ID,
			SeverityFilter:  bridge.ParseSeverity(cfg.Bridge.SeverityFilter),
			SamplingRate:    cfg.Bridge.SamplingRate,
			BatchSize:       cfg.Bridge.BatchSize,
			FlushIntervalMs: cfg.Bridge.BatchIntervalMs,
		}, lexEventBufferSize),
		stats: stats.NewStatistics(cfg.ID, "", version),
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if !d.Enabled {
			continue
		}
		g.addDevice(d)
		for j := range d.Registers {
			g.addRegister(d, &d.Registers[j])
		}
	}
	for i := range cfg.Alarms {
		g.emitter.AddAlarm(cfg.Alarms[i])
	}

	g.metrics.DevicesConfigured = len(g.devices)
	g.stats.SetDeviceCount(len(g.devices))
	return g, nil
}

func (g *Gateway) addDevice(d *config.Device) {
	t := transport.New(transport.Config{
		DeviceID:             d.ID,
		Address:              d.Address,
		Port:                 d.Port,
		ConnectTimeout:       time.Duration(d.ConnectTimeoutMs) * time.Millisecond,
		ReadTimeout:          time.Duration(d.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:         time.Duration(d.WriteTimeoutMs) * time.Millisecond,
		ReconnectDelay:       time.Duration(d.RetryDelayMs) * time.Millisecond,
		MaxReconnectAttempts: d.RetryCount,
	})
	client := modbus.New(d.ID, d.Unit, t, g.modbusEvents)

	g.devicesMu.Lock()
	g.devices[d.ID] = &deviceRuntime{transport: t, client: client}
	g.devicesMu.Unlock()
}

func (g *Gateway) addRegister(d *config.Device, r *config.Register) {
	g.emitter.AddRegister(d.ID, *r)
	g.scheduler.AddPoll(scheduler.Item{
		DeviceID:       d.ID,
		Name:           r.Name,
		Class:          mapRegisterClass(r.Class),
		Address:        r.Address,
		Count:          uint16(r.DataType.WordCount()),
		BaseIntervalMs: r.PollIntervalMs,
		Priority:       r.Priority,
	})
}

func mapRegisterClass(c config.RegisterClass) modbus.RegisterClass {
	switch c {
	case config.ClassCoil:
		return modbus.ClassCoil
	case config.ClassDiscrete:
		return modbus.ClassDiscreteInput
	case config.ClassInput:
		return modbus.ClassInput
	default:
		return modbus.ClassHolding
	}
}

// SetConfigFile records the path the configuration was loaded from, for
// inclusion in exported statistics and persisted run records.
func (g *Gateway) SetConfigFile(path string) { g.configFile = path }

// SetStorage attaches a run-history store. When set, Stop persists a
// RunRecord summarising the completed run and EmitHealth persists a
// periodic HealthSnapshot alongside the telemetry health event. A
// Gateway with no storage attached skips both silently.
func (g *Gateway) SetStorage(s *storage.Storage) { g.store = s }

// IsRunning reports whether Start has been called without a matching Stop.
func (g *Gateway) IsRunning() bool { return g.running.Load() }

// Start connects every enabled device, launches the scheduler and the
// telemetry fan-out pipeline, and returns once the connection attempts
// have been kicked off (connection itself continues in the background
// under each Transport's own reconnect loop).
func (g *Gateway) Start(ctx context.Context) error {
	if g.running.Load() {
		return ierrors.GatewayAlreadyRunning()
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.devicesMu.RLock()
	for deviceID, rt := range g.devices {
		rt := rt
		deviceID := deviceID
		g.wg.Add(2)
		go func() {
			defer g.wg.Done()
			if err := rt.transport.Connect(runCtx); err != nil {
				logging.Device(deviceID, "initial connect failed: %v", err)
			}
		}()
		go g.pumpTransportEvents(runCtx, rt.transport)
	}
	g.devicesMu.RUnlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.scheduler.Run(runCtx)
	}()

	g.wg.Add(4)
	go g.pumpTriggers(runCtx)
	go g.pumpModbusEvents(runCtx)
	go g.pumpValueEvents(runCtx)
	go g.pumpAlarmEvents(runCtx)

	g.wg.Add(1)
	go g.pumpBridgeOutput(runCtx)

	g.startTimeMu.Lock()
	g.startTime = time.Now()
	g.startTimeMu.Unlock()

	g.running.Store(true)
	logging.Success("gateway %s started with %d device(s)", g.cfg.ID, len(g.devices))
	return nil
}

// Stop halts the scheduler and fan-out goroutines, disconnects every
// device, flushes any buffered telemetry and waits for the background
// pipeline to drain.
func (g *Gateway) Stop() error {
	if !g.running.Load() {
		return ierrors.GatewayNotRunning()
	}

	g.scheduler.Stop()
	if g.cancel != nil {
		g.cancel()
	}

	g.devicesMu.RLock()
	for deviceID, rt := range g.devices {
		if err := rt.transport.Disconnect(); err != nil {
			logging.Device(deviceID, "error disconnecting: %v", err)
		}
	}
	g.devicesMu.RUnlock()

	g.wg.Wait()
	g.bridge.Flush()

	g.running.Store(false)
	g.recordRun()
	logging.Info("gateway %s stopped", g.cfg.ID)
	return nil
}

func (g *Gateway) recordRun() {
	if g.store == nil {
		return
	}

	g.startTimeMu.Lock()
	start := g.startTime
	g.startTimeMu.Unlock()
	var duration time.Duration
	if !start.IsZero() {
		duration = time.Since(start)
	}

	configName := g.configFile
	if configName == "" {
		configName = g.cfg.ID
	}

	m := g.Metrics()
	if err := g.store.AddRun(storage.RunRecord{
		GatewayID:     g.cfg.ID,
		StartedAt:     start,
		Duration:      duration,
		ConfigName:    configName,
		DeviceCount:   m.DevicesConfigured,
		RegisterCount: g.cfg.TotalRegisters(),
		AlarmCount:    len(g.cfg.Alarms),
		RequestsSent:  m.RequestsTotal,
		RequestErrors: m.RequestsFailed,
	}); err != nil {
		logging.Error("failed to persist run record: %v", err)
	}
}

func (g *Gateway) pumpTransportEvents(ctx context.Context, t *transport.Transport) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-t.Events():
			if !ok {
				return
			}
			g.bridge.ProcessTransportEvent(e)
			g.metricsMu.Lock()
			if e.To == transport.StateConnected {
				g.metrics.DevicesOnline++
			} else if e.From == transport.StateConnected {
				g.metrics.DevicesOnline--
			}
			onlineNow := g.metrics.DevicesOnline
			g.metricsMu.Unlock()
			g.stats.SetDevicesOnline(onlineNow)
		}
	}
}

func (g *Gateway) pumpTriggers(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case trig, ok := <-g.scheduler.Triggers():
			if !ok {
				return
			}
			g.executeTrigger(ctx, trig)
		}
	}
}

func (g *Gateway) executeTrigger(ctx context.Context, trig scheduler.Trigger) {
	g.devicesMu.RLock()
	rt, ok := g.devices[trig.DeviceID]
	g.devicesMu.RUnlock()
	if !ok {
		return
	}

	resp, err := rt.client.Read(ctx, modbus.ReadRequest{
		RequestID: trig.PollID,
		Class:     trig.Class,
		Address:   trig.Address,
		Quantity:  trig.Count,
	})

	success := err == nil
	var latencyUs uint32
	if success {
		latencyUs = resp.LatencyUs
	}
	g.scheduler.PollComplete(scheduler.Complete{
		PollID: trig.PollID, SequenceNumber: trig.SequenceNumber,
		Success: success, LatencyUs: latencyUs,
	})

	g.metricsMu.Lock()
	g.metrics.RequestsTotal++
	if !success {
		g.metrics.RequestsFailed++
	}
	g.metrics.AvgLatencyUs = uint32((uint64(g.metrics.AvgLatencyUs)*7 + uint64(latencyUs)) / 8)
	g.metricsMu.Unlock()

	if !success {
		g.stats.IncrementErrorCount(trig.DeviceID)
		g.stats.UpdateProtocolStat(trig.DeviceID, 1, 0, 1, int64(latencyUs))
		logging.Device(trig.DeviceID, "poll %d failed: %v", trig.PollID, err)
		return
	}
	g.stats.IncrementPollCount(trig.DeviceID)
	g.stats.UpdateProtocolStat(trig.DeviceID, 1, 1, 0, int64(latencyUs))

	values := resp.Values
	if trig.Class == modbus.ClassCoil || trig.Class == modbus.ClassDiscreteInput {
		values = bitsToWords(resp.Bits)
	}
	g.emitter.ProcessRaw(trig.DeviceID, trig.Address, values, emitter.QualityGood, time.Now())
}

func bitsToWords(bits []bool) []uint16 {
	words := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			words[i] = 1
		}
	}
	return words
}

func (g *Gateway) pumpModbusEvents(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-g.modbusEvents:
			if !ok {
				return
			}
			g.bridge.ProcessModbusEvent(e)
		}
	}
}

func (g *Gateway) pumpValueEvents(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-g.emitter.ValueEvents():
			if !ok {
				return
			}
			g.bridge.ProcessValueEvent(e)
			g.fanOutValueEvent(e)
		}
	}
}

func (g *Gateway) pumpAlarmEvents(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-g.emitter.AlarmEvents():
			if !ok {
				return
			}
			g.bridge.ProcessAlarmEvent(e)
			if e.State == emitter.StateActive {
				g.stats.IncrementAlarmsRaised()
			}
			g.fanOutAlarmEvent(e)
		}
	}
}

func (g *Gateway) pumpBridgeOutput(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-g.bridge.Output():
			if !ok {
				return
			}
			g.stats.IncrementTelemetryBatch(1)
			g.fanOutLexEvent(e)
		}
	}
}

func (g *Gateway) fanOutValueEvent(e emitter.ValueEvent) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	for _, ch := range g.eventSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (g *Gateway) fanOutAlarmEvent(e emitter.AlarmEvent) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	for _, ch := range g.alarmSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (g *Gateway) fanOutLexEvent(e bridge.Event) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	for _, ch := range g.lexSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscribeEvents returns a channel of every decoded value event.
func (g *Gateway) SubscribeEvents() <-chan emitter.ValueEvent {
	ch := make(chan emitter.ValueEvent, subscriberBufferSize)
	g.subMu.Lock()
	g.eventSubs = append(g.eventSubs, ch)
	g.subMu.Unlock()
	return ch
}

// SubscribeAlarms returns a channel of every alarm state transition.
func (g *Gateway) SubscribeAlarms() <-chan emitter.AlarmEvent {
	ch := make(chan emitter.AlarmEvent, subscriberBufferSize)
	g.subMu.Lock()
	g.alarmSubs = append(g.alarmSubs, ch)
	g.subMu.Unlock()
	return ch
}

// SubscribeLex returns a channel of every telemetry record the bridge emits.
func (g *Gateway) SubscribeLex() <-chan bridge.Event {
	ch := make(chan bridge.Event, subscriberBufferSize)
	g.subMu.Lock()
	g.lexSubs = append(g.lexSubs, ch)
	g.subMu.Unlock()
	return ch
}

// Metrics returns a snapshot of the gateway's own aggregate counters.
func (g *Gateway) Metrics() Metrics {
	g.metricsMu.Lock()
	defer g.metricsMu.Unlock()
	return g.metrics
}

// DeviceState reports whether a configured device is currently connected.
func (g *Gateway) DeviceState(deviceID string) (transport.State, bool) {
	g.devicesMu.RLock()
	defer g.devicesMu.RUnlock()
	rt, ok := g.devices[deviceID]
	if !ok {
		return transport.StateDisconnected, false
	}
	return rt.transport.State(), true
}

// ReadRegister performs a manual out-of-band holding-register read,
// outside of the scheduled poll cycle.
func (g *Gateway) ReadRegister(ctx context.Context, deviceID string, address, quantity uint16) ([]uint16, error) {
	g.devicesMu.RLock()
	rt, ok := g.devices[deviceID]
	g.devicesMu.RUnlock()
	if !ok {
		return nil, ierrors.DeviceNotFound(deviceID)
	}
	resp, err := rt.client.Read(ctx, modbus.ReadRequest{Class: modbus.ClassHolding, Address: address, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// WriteRegister performs a manual out-of-band single holding-register write.
func (g *Gateway) WriteRegister(ctx context.Context, deviceID string, address uint16, value uint16) error {
	g.devicesMu.RLock()
	rt, ok := g.devices[deviceID]
	g.devicesMu.RUnlock()
	if !ok {
		return ierrors.DeviceNotFound(deviceID)
	}
	return rt.client.WriteSingle(ctx, modbus.WriteRequest{Class: modbus.ClassHolding, Address: address, Values: []uint16{value}})
}

// EmitHealth builds and processes a gateway self-report through the
// telemetry bridge, for callers that poll health on their own timer.
func (g *Gateway) EmitHealth() {
	m := g.Metrics()
	activeAlarms := g.emitter.ActiveAlarmCount()
	g.stats.SetAlarmsActive(activeAlarms)
	g.stats.Update()

	g.startTimeMu.Lock()
	start := g.startTime
	g.startTimeMu.Unlock()
	var uptime float64
	if !start.IsZero() {
		uptime = time.Since(start).Seconds()
	}

	g.bridge.ProcessHealthEvent(bridge.HealthEvent{
		GatewayID:           g.cfg.ID,
		Version:             g.version,
		UptimeSeconds:       uptime,
		DevicesConfigured:   m.DevicesConfigured,
		DevicesOnline:       m.DevicesOnline,
		RegistersConfigured: g.cfg.TotalRegisters(),
		AlarmsActive:        activeAlarms,
		RequestsTotal:       m.RequestsTotal,
		RequestsFailed:      m.RequestsFailed,
		AvgLatencyUs:        m.AvgLatencyUs,
	})

	if g.store != nil {
		var avgLatency time.Duration
		if m.AvgLatencyUs > 0 {
			avgLatency = time.Duration(m.AvgLatencyUs) * time.Microsecond
		}
		if err := g.store.AddHealthSnapshot(storage.HealthSnapshot{
			Timestamp:      time.Now(),
			UptimeSeconds:  uptime,
			DeviceCount:    m.DevicesOnline,
			AlarmsActive:   activeAlarms,
			RequestsTotal:  m.RequestsTotal,
			AverageLatency: avgLatency,
		}); err != nil {
			logging.Error("failed to persist health snapshot: %v", err)
		}
	}
}

// AcknowledgeAlarm acknowledges an Active alarm by id.
func (g *Gateway) AcknowledgeAlarm(alarmID string) bool { return g.emitter.Acknowledge(alarmID) }

// ShelveAlarm suspends evaluation of an alarm by id.
func (g *Gateway) ShelveAlarm(alarmID string) bool { return g.emitter.Shelve(alarmID) }

// UnshelveAlarm resumes evaluation of a previously shelved alarm.
func (g *Gateway) UnshelveAlarm(alarmID string) bool { return g.emitter.Unshelve(alarmID) }

// Stats returns a snapshot of the gateway's runtime statistics: per-device
// poll/error/latency counters, alarm counts and process resource usage.
func (g *Gateway) Stats() stats.StatisticsSnapshot {
	g.stats.Update()
	return g.stats.GetSnapshot()
}

// ExportStatsJSON writes the current statistics snapshot to filename as JSON.
func (g *Gateway) ExportStatsJSON(filename string) error {
	g.stats.Update()
	return g.stats.ExportJSON(filename)
}

// ExportStatsCSV writes the current statistics snapshot to filename as CSV.
func (g *Gateway) ExportStatsCSV(filename string) error {
	g.stats.Update()
	return g.stats.ExportCSV(filename)
}
