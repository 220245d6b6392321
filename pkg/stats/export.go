// Package stats provides runtime statistics collection and export for a
// running gateway: per-device poll/error counters, alarm counts and
// process-level resource usage, snapshotted and written out as JSON or
// CSV on request.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

// Statistics holds all runtime statistics for one gateway process.
type Statistics struct {
	mu sync.RWMutex

	// General stats
	StartTime  time.Time     `json:"start_time"`
	Uptime     time.Duration `json:"uptime_seconds"`
	GatewayID  string        `json:"gateway_id"`
	ConfigFile string        `json:"config_file"`
	Version    string        `json:"version"`

	DeviceCount   int `json:"device_count"`
	DevicesOnline int `json:"devices_online"`

	// Poll counters (per device)
	PollCounts map[string]int64 `json:"poll_counts"`

	// Error counters (per device)
	ErrorCounts map[string]int64 `json:"error_counts"`

	// Alarm stats
	AlarmsRaised int64 `json:"alarms_raised"`
	AlarmsActive int   `json:"alarms_active"`

	// Telemetry bridge stats
	TelemetryEventsEmitted int64 `json:"telemetry_events_emitted"`
	TelemetryBatchesSent   int64 `json:"telemetry_batches_sent"`

	// System stats
	MemoryUsageMB  uint64 `json:"memory_usage_mb"`
	GoroutineCount int    `json:"goroutine_count"`
	CPUCount       int    `json:"cpu_count"`

	// Per-device protocol I/O stats
	DeviceStats map[string]ProtocolStat `json:"device_stats"`
}

// ProtocolStat holds MODBUS I/O statistics for a specific device.
type ProtocolStat struct {
	RequestsSent      int64 `json:"requests_sent"`
	ResponsesReceived int64 `json:"responses_received"`
	ErrorsEncountered int64 `json:"errors_encountered"`
	AvgLatencyUs      int64 `json:"avg_latency_us"`
}

// StatisticsSnapshot is a mutex-free copy of Statistics for export.
type StatisticsSnapshot struct {
	StartTime  time.Time     `json:"start_time"`
	Uptime     time.Duration `json:"uptime_seconds"`
	GatewayID  string        `json:"gateway_id"`
	ConfigFile string        `json:"config_file"`
	Version    string        `json:"version"`

	DeviceCount   int `json:"device_count"`
	DevicesOnline int `json:"devices_online"`

	PollCounts  map[string]int64 `json:"poll_counts"`
	ErrorCounts map[string]int64 `json:"error_counts"`

	AlarmsRaised int64 `json:"alarms_raised"`
	AlarmsActive int   `json:"alarms_active"`

	TelemetryEventsEmitted int64 `json:"telemetry_events_emitted"`
	TelemetryBatchesSent   int64 `json:"telemetry_batches_sent"`

	MemoryUsageMB  uint64 `json:"memory_usage_mb"`
	GoroutineCount int    `json:"goroutine_count"`
	CPUCount       int    `json:"cpu_count"`

	DeviceStats map[string]ProtocolStat `json:"device_stats"`
}

// NewStatistics creates a new Statistics instance.
func NewStatistics(gatewayID, configFile, version string) *Statistics {
	return &Statistics{
		StartTime:   time.Now(),
		GatewayID:   gatewayID,
		ConfigFile:  configFile,
		Version:     version,
		PollCounts:  make(map[string]int64),
		ErrorCounts: make(map[string]int64),
		DeviceStats: make(map[string]ProtocolStat),
	}
}

// Update refreshes runtime statistics (should be called periodically).
func (s *Statistics) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Uptime = time.Since(s.StartTime)
	s.GoroutineCount = runtime.NumGoroutine()
	s.CPUCount = runtime.NumCPU()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.MemoryUsageMB = m.Alloc / 1024 / 1024
}

// IncrementPollCount increments the successful-poll count for a device.
func (s *Statistics) IncrementPollCount(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PollCounts[deviceID]++
}

// IncrementErrorCount increments the error count for a device.
func (s *Statistics) IncrementErrorCount(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorCounts[deviceID]++
}

// IncrementAlarmsRaised increments the lifetime alarm-raised counter.
func (s *Statistics) IncrementAlarmsRaised() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlarmsRaised++
}

// IncrementTelemetryBatch records one bridge flush of the given size.
func (s *Statistics) IncrementTelemetryBatch(eventCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TelemetryEventsEmitted += int64(eventCount)
	s.TelemetryBatchesSent++
}

// UpdateProtocolStat updates MODBUS I/O statistics for a specific device.
func (s *Statistics) UpdateProtocolStat(deviceID string, requests, responses, errors, avgLatencyUs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat := s.DeviceStats[deviceID]
	stat.RequestsSent += requests
	stat.ResponsesReceived += responses
	stat.ErrorsEncountered += errors
	stat.AvgLatencyUs = avgLatencyUs
	s.DeviceStats[deviceID] = stat
}

// SetDeviceCount sets the total configured device count.
func (s *Statistics) SetDeviceCount(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeviceCount = count
}

// SetDevicesOnline sets the currently-connected device count.
func (s *Statistics) SetDevicesOnline(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DevicesOnline = count
}

// SetAlarmsActive sets the currently Active-or-Acknowledged alarm count.
func (s *Statistics) SetAlarmsActive(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlarmsActive = count
}

// ExportJSON exports statistics to a JSON file.
func (s *Statistics) ExportJSON(filename string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.snapshot()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal statistics to JSON: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}

	return nil
}

// ExportCSV exports statistics to a CSV file.
func (s *Statistics) ExportCSV(filename string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Metric", "Value", "Category"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	writeRow := func(metric, value, category string) error {
		return writer.Write([]string{metric, value, category})
	}

	writeRow("Start Time", s.StartTime.Format(time.RFC3339), "General")
	writeRow("Uptime (seconds)", fmt.Sprintf("%.0f", s.Uptime.Seconds()), "General")
	writeRow("Gateway ID", s.GatewayID, "General")
	writeRow("Config File", s.ConfigFile, "General")
	writeRow("Device Count", fmt.Sprintf("%d", s.DeviceCount), "General")
	writeRow("Devices Online", fmt.Sprintf("%d", s.DevicesOnline), "General")
	writeRow("Version", s.Version, "General")

	writeRow("Memory Usage (MB)", fmt.Sprintf("%d", s.MemoryUsageMB), "System")
	writeRow("Goroutine Count", fmt.Sprintf("%d", s.GoroutineCount), "System")
	writeRow("CPU Count", fmt.Sprintf("%d", s.CPUCount), "System")

	writeRow("Alarms Raised", fmt.Sprintf("%d", s.AlarmsRaised), "Alarms")
	writeRow("Alarms Active", fmt.Sprintf("%d", s.AlarmsActive), "Alarms")

	writeRow("Telemetry Events Emitted", fmt.Sprintf("%d", s.TelemetryEventsEmitted), "Telemetry")
	writeRow("Telemetry Batches Sent", fmt.Sprintf("%d", s.TelemetryBatchesSent), "Telemetry")

	for deviceID, count := range s.PollCounts {
		writeRow(fmt.Sprintf("Poll Count (%s)", deviceID), fmt.Sprintf("%d", count), "Polls")
	}

	for deviceID, count := range s.ErrorCounts {
		writeRow(fmt.Sprintf("Error Count (%s)", deviceID), fmt.Sprintf("%d", count), "Errors")
	}

	for deviceID, stat := range s.DeviceStats {
		writeRow(fmt.Sprintf("%s - Requests Sent", deviceID), fmt.Sprintf("%d", stat.RequestsSent), "Device")
		writeRow(fmt.Sprintf("%s - Responses Received", deviceID), fmt.Sprintf("%d", stat.ResponsesReceived), "Device")
		writeRow(fmt.Sprintf("%s - Errors", deviceID), fmt.Sprintf("%d", stat.ErrorsEncountered), "Device")
		writeRow(fmt.Sprintf("%s - Avg Latency (us)", deviceID), fmt.Sprintf("%d", stat.AvgLatencyUs), "Device")
	}

	return nil
}

// snapshot creates a read-safe copy of statistics.
// Must be called with read lock held.
func (s *Statistics) snapshot() StatisticsSnapshot {
	snapshot := StatisticsSnapshot{
		StartTime:              s.StartTime,
		Uptime:                 s.Uptime,
		GatewayID:              s.GatewayID,
		ConfigFile:             s.ConfigFile,
		Version:                s.Version,
		DeviceCount:            s.DeviceCount,
		DevicesOnline:          s.DevicesOnline,
		AlarmsRaised:           s.AlarmsRaised,
		AlarmsActive:           s.AlarmsActive,
		TelemetryEventsEmitted: s.TelemetryEventsEmitted,
		TelemetryBatchesSent:   s.TelemetryBatchesSent,
		MemoryUsageMB:          s.MemoryUsageMB,
		GoroutineCount:         s.GoroutineCount,
		CPUCount:               s.CPUCount,
		PollCounts:             make(map[string]int64),
		ErrorCounts:            make(map[string]int64),
		DeviceStats:            make(map[string]ProtocolStat),
	}

	for k, v := range s.PollCounts {
		snapshot.PollCounts[k] = v
	}
	for k, v := range s.ErrorCounts {
		snapshot.ErrorCounts[k] = v
	}
	for k, v := range s.DeviceStats {
		snapshot.DeviceStats[k] = v
	}

	return snapshot
}

// PollSum returns the total successful polls across every device.
func (s StatisticsSnapshot) PollSum() int64 {
	var total int64
	for _, v := range s.PollCounts {
		total += v
	}
	return total
}

// ErrorSum returns the total poll errors across every device.
func (s StatisticsSnapshot) ErrorSum() int64 {
	var total int64
	for _, v := range s.ErrorCounts {
		total += v
	}
	return total
}

// GetSnapshot returns a thread-safe snapshot of current statistics.
func (s *Statistics) GetSnapshot() StatisticsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// String returns a human-readable summary of statistics.
func (s *Statistics) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fmt.Sprintf(
		"Statistics Summary:\n"+
			"  Uptime: %s\n"+
			"  Devices: %d (%d online)\n"+
			"  Memory: %d MB\n"+
			"  Goroutines: %d\n"+
			"  Alarms Active: %d\n"+
			"  Telemetry Events: %d\n",
		s.Uptime.Round(time.Second),
		s.DeviceCount,
		s.DevicesOnline,
		s.MemoryUsageMB,
		s.GoroutineCount,
		s.AlarmsActive,
		s.TelemetryEventsEmitted,
	)
}
