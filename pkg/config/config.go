// Package config loads and validates gateway configuration: the set of
// MODBUS TCP devices, their registers, alarm bindings, and the
// scheduler/bridge tuning parameters that govern the running gateway.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Limits enforced on every loaded configuration, per the external
// interface contract.
const (
	MaxDevices   = 10
	MaxRegisters = 256
	MaxAlarms    = 64
)

// Defaults applied to zero-valued fields after YAML decode.
const (
	DefaultPort            = 502
	DefaultUnit             = 1
	DefaultConnectTimeoutMs = 5000
	DefaultReadTimeoutMs    = 1000
	DefaultWriteTimeoutMs   = 1000
	DefaultRetryCount       = 3
	DefaultRetryDelayMs     = 100
	DefaultScale            = 1.0
	DefaultOffset           = 0.0
	DefaultPollIntervalMs   = 1000
	DefaultPriority         = 1

	DefaultMaxPollsPerSecond = 100.0
	DefaultBackoffFactor     = 1.5
	DefaultMaxBackoffMs      = 60000

	DefaultBatchSize       = 32
	DefaultBatchIntervalMs = 100
	DefaultSamplingRate    = 1.0
)

// RegisterClass is one of the four MODBUS register classes.
type RegisterClass string

const (
	ClassHolding  RegisterClass = "holding"
	ClassInput    RegisterClass = "input"
	ClassCoil     RegisterClass = "coil"
	ClassDiscrete RegisterClass = "discrete"
)

// DataType is the engineering type a register's raw words decode into.
type DataType string

const (
	TypeUint16  DataType = "uint16"
	TypeInt16   DataType = "int16"
	TypeUint32  DataType = "uint32"
	TypeInt32   DataType = "int32"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeBool    DataType = "bool"
	TypeString  DataType = "string"
)

// WordCount returns the number of 16-bit registers the data type spans.
func (d DataType) WordCount() int {
	switch d {
	case TypeUint16, TypeInt16, TypeBool:
		return 1
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	case TypeFloat64:
		return 4
	case TypeString:
		return 16
	default:
		return 1
	}
}

// WordOrder selects how multi-word registers are assembled.
type WordOrder string

const (
	WordOrderBigEndian    WordOrder = "big_endian"
	WordOrderLittleEndian WordOrder = "little_endian"
)

// AlarmCondition is the comparison an alarm evaluates against its
// bound register's scaled value.
type AlarmCondition string

const (
	ConditionGT      AlarmCondition = "gt"
	ConditionGE      AlarmCondition = "ge"
	ConditionLT      AlarmCondition = "lt"
	ConditionLE      AlarmCondition = "le"
	ConditionEQ      AlarmCondition = "eq"
	ConditionNE      AlarmCondition = "ne"
	ConditionBetween AlarmCondition = "between"
	ConditionOutside AlarmCondition = "outside"
)

// Severity is an alarm's configured severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Gateway is the top-level configuration document: the devices it
// polls, the alarms bound to their registers, and scheduler/bridge
// tuning.
type Gateway struct {
	ID        string          `yaml:"id,omitempty"`
	Devices   []Device        `yaml:"devices"`
	Alarms    []Alarm         `yaml:"alarms"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// Device is a single MODBUS TCP field device and the registers polled
// on it.
type Device struct {
	ID               string     `yaml:"id"`
	Address          string     `yaml:"address"`
	Port             int        `yaml:"port"`
	Unit             uint8      `yaml:"unit"`
	ConnectTimeoutMs int        `yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int        `yaml:"read_timeout_ms"`
	WriteTimeoutMs   int        `yaml:"write_timeout_ms"`
	RetryCount       int        `yaml:"retry_count"`
	RetryDelayMs     int        `yaml:"retry_delay_ms"`
	Enabled          bool       `yaml:"enabled"`
	Registers        []Register `yaml:"registers"`
}

// Register describes one polled value on a device.
type Register struct {
	Name            string        `yaml:"name"`
	Address         uint16        `yaml:"address"`
	Class           RegisterClass `yaml:"class"`
	DataType        DataType      `yaml:"data_type"`
	WordOrder       WordOrder     `yaml:"word_order"`
	Scale           float64       `yaml:"scale"`
	Offset          float64       `yaml:"offset"`
	Unit            string        `yaml:"unit"`
	PollIntervalMs  int           `yaml:"poll_interval_ms"`
	EmitOnChange    bool          `yaml:"emit_on_change"`
	ChangeThreshold float64       `yaml:"change_threshold"`
	Priority        int           `yaml:"priority"`
}

// Alarm binds a threshold condition to a register by name.
type Alarm struct {
	ID          string         `yaml:"id"`
	Register    string         `yaml:"register"`
	Condition   AlarmCondition `yaml:"condition"`
	Low         float64        `yaml:"low"`
	High        float64        `yaml:"high"`
	Hysteresis  float64        `yaml:"hysteresis"`
	DebounceMs  int            `yaml:"debounce_ms"`
	Severity    Severity       `yaml:"severity"`
	Enabled     bool           `yaml:"enabled"`
}

// SchedulerConfig tunes the poll scheduler's rate cap and adaptive
// backoff.
type SchedulerConfig struct {
	MaxPollsPerSecond float64 `yaml:"max_polls_per_second"`
	Adaptive          bool    `yaml:"adaptive"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
}

// BridgeConfig tunes the telemetry bridge's severity filter, sampling
// and batching.
type BridgeConfig struct {
	SeverityFilter  string  `yaml:"severity_filter"`
	SamplingRate    float64 `yaml:"sampling_rate"`
	BatchSize       int     `yaml:"batch_size"`
	BatchIntervalMs int     `yaml:"batch_interval_ms"`
}

// Load reads a YAML gateway configuration from disk, applies defaults,
// mints a gateway id if none was configured, and validates it.
func Load(filename string) (*Gateway, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(filename, data)
}

// LoadBytes parses YAML gateway configuration already in memory. The
// filename is used only to annotate validation errors.
func LoadBytes(filename string, data []byte) (*Gateway, error) {
	var gw Gateway
	if err := yaml.Unmarshal(data, &gw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(&gw)

	if gw.ID == "" {
		gw.ID = NewGatewayID()
	}

	v := NewValidator(filename)
	if err := v.Validate(&gw); err != nil {
		return nil, err
	}

	return &gw, nil
}

// NewGatewayID mints a random 32-byte gateway identifier, hex-encoded,
// by concatenating two UUIDs. Callers needing the raw bytes for topic
// hex-prefixing should decode the result with encoding/hex.
func NewGatewayID() string {
	a := uuid.New()
	b := uuid.New()
	var id [32]byte
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return fmt.Sprintf("%x", id)
}

func applyDefaults(gw *Gateway) {
	for i := range gw.Devices {
		d := &gw.Devices[i]
		if d.Port == 0 {
			d.Port = DefaultPort
		}
		if d.Unit == 0 {
			d.Unit = DefaultUnit
		}
		if d.ConnectTimeoutMs == 0 {
			d.ConnectTimeoutMs = DefaultConnectTimeoutMs
		}
		if d.ReadTimeoutMs == 0 {
			d.ReadTimeoutMs = DefaultReadTimeoutMs
		}
		if d.WriteTimeoutMs == 0 {
			d.WriteTimeoutMs = DefaultWriteTimeoutMs
		}
		if d.RetryCount == 0 {
			d.RetryCount = DefaultRetryCount
		}
		if d.RetryDelayMs == 0 {
			d.RetryDelayMs = DefaultRetryDelayMs
		}

		for j := range d.Registers {
			r := &d.Registers[j]
			if r.Scale == 0 {
				r.Scale = DefaultScale
			}
			if r.PollIntervalMs == 0 {
				r.PollIntervalMs = DefaultPollIntervalMs
			}
			if r.Priority == 0 {
				r.Priority = DefaultPriority
			}
			if r.WordOrder == "" {
				r.WordOrder = WordOrderBigEndian
			}
		}
	}

	if gw.Scheduler.MaxPollsPerSecond == 0 {
		gw.Scheduler.MaxPollsPerSecond = DefaultMaxPollsPerSecond
	}
	if gw.Scheduler.BackoffFactor == 0 {
		gw.Scheduler.BackoffFactor = DefaultBackoffFactor
	}
	if gw.Scheduler.MaxBackoffMs == 0 {
		gw.Scheduler.MaxBackoffMs = DefaultMaxBackoffMs
	}

	if gw.Bridge.SeverityFilter == "" {
		gw.Bridge.SeverityFilter = "info"
	}
	if gw.Bridge.SamplingRate == 0 {
		gw.Bridge.SamplingRate = DefaultSamplingRate
	}
	if gw.Bridge.BatchSize == 0 {
		gw.Bridge.BatchSize = DefaultBatchSize
	}
	if gw.Bridge.BatchIntervalMs == 0 {
		gw.Bridge.BatchIntervalMs = DefaultBatchIntervalMs
	}
}

// DeviceByID finds a device by its configured id.
func (g *Gateway) DeviceByID(id string) *Device {
	for i := range g.Devices {
		if g.Devices[i].ID == id {
			return &g.Devices[i]
		}
	}
	return nil
}

// TotalRegisters counts registers across every device.
func (g *Gateway) TotalRegisters() int {
	total := 0
	for i := range g.Devices {
		total += len(g.Devices[i].Registers)
	}
	return total
}
