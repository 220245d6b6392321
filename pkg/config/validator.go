package config

import (
	"fmt"
	"net"
)

// Validator validates a Gateway configuration against the documented
// limits and cross-references (unique names, existing devices).
type Validator struct {
	errors *ConfigErrorList
	file   string
}

// NewValidator creates a new configuration validator.
func NewValidator(file string) *Validator {
	return &Validator{
		errors: &ConfigErrorList{File: file, Valid: true},
		file:   file,
	}
}

// Result returns the accumulated error and warning list, regardless of
// whether Validate returned a non-nil error. Callers that need to report
// warnings alongside a clean validation should use this instead of the
// error return.
func (v *Validator) Result() *ConfigErrorList { return v.errors }

// Validate validates a complete gateway configuration. It returns the
// accumulated *ConfigErrorList as an error when any entry has
// SevError severity, nil otherwise (warnings never block startup).
func (v *Validator) Validate(gw *Gateway) error {
	if gw == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	if len(gw.Devices) == 0 {
		v.addWarning("devices", "no devices defined in configuration")
	}
	if len(gw.Devices) > MaxDevices {
		v.addError("devices", fmt.Sprintf("limit exceeded: devices (max: %d, requested: %d)", MaxDevices, len(gw.Devices)))
	}

	deviceIDs := make(map[string]bool)
	registerNames := make(map[string]bool)
	totalRegisters := 0

	for i := range gw.Devices {
		d := &gw.Devices[i]
		v.validateDevice(d, i, deviceIDs, registerNames)
		totalRegisters += len(d.Registers)
	}

	if totalRegisters > MaxRegisters {
		v.addError("devices[].registers", fmt.Sprintf("limit exceeded: registers (max: %d, requested: %d)", MaxRegisters, totalRegisters))
	}

	if len(gw.Alarms) > MaxAlarms {
		v.addError("alarms", fmt.Sprintf("limit exceeded: alarms (max: %d, requested: %d)", MaxAlarms, len(gw.Alarms)))
	}

	alarmIDs := make(map[string]bool)
	for i := range gw.Alarms {
		v.validateAlarm(&gw.Alarms[i], i, alarmIDs, registerNames)
	}

	v.validateScheduler(&gw.Scheduler)
	v.validateBridge(&gw.Bridge)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateDevice(d *Device, index int, ids map[string]bool, registerNames map[string]bool) {
	prefix := fmt.Sprintf("devices[%d]", index)

	if d.ID == "" {
		v.addError(prefix+".id", "device id is required")
	} else if ids[d.ID] {
		v.addError(prefix+".id", fmt.Sprintf("duplicate device id: %s", d.ID))
	} else {
		ids[d.ID] = true
	}

	if d.Address == "" {
		v.addError(prefix+".address", "device address is required")
	} else if ip := net.ParseIP(d.Address); ip == nil {
		v.addWarning(prefix+".address", fmt.Sprintf("address %q does not parse as an IP literal; DNS resolution will be attempted at connect time", d.Address))
	}

	if d.Port < 1 || d.Port > 65535 {
		v.addError(prefix+".port", fmt.Sprintf("invalid port: %d (must be 1-65535)", d.Port))
	}

	if len(d.Registers) == 0 {
		v.addWarning(prefix+".registers", fmt.Sprintf("device %s has no registers configured", d.ID))
	}

	for j := range d.Registers {
		v.validateRegister(&d.Registers[j], d.ID, j, registerNames)
	}
}

func (v *Validator) validateRegister(r *Register, deviceID string, index int, names map[string]bool) {
	prefix := fmt.Sprintf("devices[%s].registers[%d]", deviceID, index)

	if r.Name == "" {
		v.addError(prefix+".name", "register name is required")
	} else if names[r.Name] {
		v.addError(prefix+".name", fmt.Sprintf("duplicate register name: %s", r.Name))
	} else {
		names[r.Name] = true
	}

	switch r.Class {
	case ClassHolding, ClassInput, ClassCoil, ClassDiscrete:
	default:
		v.addError(prefix+".class", fmt.Sprintf("unknown register class: %s", r.Class))
	}

	switch r.DataType {
	case TypeUint16, TypeInt16, TypeUint32, TypeInt32, TypeFloat32, TypeFloat64, TypeBool, TypeString:
	default:
		v.addError(prefix+".data_type", fmt.Sprintf("unknown data type: %s", r.DataType))
	}

	switch r.WordOrder {
	case WordOrderBigEndian, WordOrderLittleEndian:
	default:
		v.addError(prefix+".word_order", fmt.Sprintf("unknown word order: %s", r.WordOrder))
	}

	if (r.Class == ClassCoil || r.Class == ClassDiscrete) && r.DataType != TypeBool {
		v.addWarning(prefix+".data_type", fmt.Sprintf("register %s is a bit class (%s) but data_type is %s, not bool", r.Name, r.Class, r.DataType))
	}

	if r.PollIntervalMs < 0 {
		v.addError(prefix+".poll_interval_ms", "poll interval cannot be negative")
	}

	if r.Priority < 0 || r.Priority > 3 {
		v.addError(prefix+".priority", fmt.Sprintf("invalid priority: %d (must be 0-3)", r.Priority))
	}

	if r.EmitOnChange && r.ChangeThreshold < 0 {
		v.addError(prefix+".change_threshold", "change threshold cannot be negative")
	}
}

func (v *Validator) validateAlarm(a *Alarm, index int, ids map[string]bool, registerNames map[string]bool) {
	prefix := fmt.Sprintf("alarms[%d]", index)

	if a.ID == "" {
		v.addError(prefix+".id", "alarm id is required")
	} else if ids[a.ID] {
		v.addError(prefix+".id", fmt.Sprintf("duplicate alarm id: %s", a.ID))
	} else {
		ids[a.ID] = true
	}

	if a.Register == "" {
		v.addError(prefix+".register", "alarm must bind to a register name")
	} else if !registerNames[a.Register] {
		v.addError(prefix+".register", fmt.Sprintf("register not found: %s", a.Register))
	}

	switch a.Condition {
	case ConditionGT, ConditionGE, ConditionLT, ConditionLE, ConditionEQ, ConditionNE, ConditionBetween, ConditionOutside:
	default:
		v.addError(prefix+".condition", fmt.Sprintf("unknown alarm condition: %s", a.Condition))
	}

	if (a.Condition == ConditionBetween || a.Condition == ConditionOutside) && a.Low > a.High {
		v.addError(prefix+".low", fmt.Sprintf("low threshold %g must not exceed high threshold %g", a.Low, a.High))
	}

	if a.Hysteresis < 0 {
		v.addError(prefix+".hysteresis", "hysteresis cannot be negative")
	}

	if a.DebounceMs < 0 {
		v.addError(prefix+".debounce_ms", "debounce cannot be negative")
	}

	switch a.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		v.addError(prefix+".severity", fmt.Sprintf("unknown alarm severity: %s", a.Severity))
	}
}

func (v *Validator) validateScheduler(s *SchedulerConfig) {
	if s.MaxPollsPerSecond <= 0 {
		v.addError("scheduler.max_polls_per_second", "must be positive")
	}
	if s.BackoffFactor < 1.0 {
		v.addError("scheduler.backoff_factor", fmt.Sprintf("must be >= 1.0, got %g", s.BackoffFactor))
	}
	if s.MaxBackoffMs <= 0 {
		v.addError("scheduler.max_backoff_ms", "must be positive")
	}
}

func (v *Validator) validateBridge(b *BridgeConfig) {
	switch b.SeverityFilter {
	case "debug", "info", "warning", "error":
	default:
		v.addError("bridge.severity_filter", fmt.Sprintf("unknown severity: %s", b.SeverityFilter))
	}
	if b.SamplingRate < 0 || b.SamplingRate > 1.0 {
		v.addError("bridge.sampling_rate", fmt.Sprintf("must be within [0,1], got %g", b.SamplingRate))
	}
	if b.BatchSize <= 0 {
		v.addError("bridge.batch_size", "must be positive")
	}
	if b.BatchIntervalMs <= 0 {
		v.addError("bridge.batch_interval_ms", "must be positive")
	}
}

func (v *Validator) addError(field, message string) {
	err := NewConfigError(v.file, field, message)
	v.errors.Add(err)
}

func (v *Validator) addWarning(field, message string) {
	warn := NewConfigWarning(v.file, field, message)
	v.errors.Add(warn)
}
