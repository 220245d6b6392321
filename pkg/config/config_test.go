package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := writeConfig(t, dir, "gateway.yaml", `
devices:
  - id: plc-01
    address: 10.0.0.5
    port: 502
    registers:
      - name: tank-level
        address: 100
        class: holding
        data_type: uint16
        scale: 0.1
alarms:
  - id: tank-high
    register: tank-level
    condition: gt
    high: 80.0
    severity: warning
scheduler:
  max_polls_per_second: 50
bridge:
  severity_filter: info
`)

	gw, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(gw.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(gw.Devices))
	}
	d := gw.Devices[0]
	if d.ID != "plc-01" {
		t.Errorf("device id = %q, want plc-01", d.ID)
	}
	// Defaults applied
	if d.Unit != DefaultUnit {
		t.Errorf("unit = %d, want default %d", d.Unit, DefaultUnit)
	}
	if d.ConnectTimeoutMs != DefaultConnectTimeoutMs {
		t.Errorf("connect timeout = %d, want default %d", d.ConnectTimeoutMs, DefaultConnectTimeoutMs)
	}
	if d.Registers[0].WordOrder != WordOrderBigEndian {
		t.Errorf("word order = %q, want default big_endian", d.Registers[0].WordOrder)
	}
	if gw.ID == "" {
		t.Error("expected a gateway id to be minted")
	}
	if len(gw.ID) != 64 {
		t.Errorf("minted gateway id hex length = %d, want 64 (32 bytes)", len(gw.ID))
	}
}

func TestLoadRejectsUnknownRegister(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := writeConfig(t, dir, "gateway.yaml", `
devices:
  - id: plc-01
    address: 10.0.0.5
    registers:
      - name: tank-level
        address: 100
        class: holding
        data_type: uint16
alarms:
  - id: bad-alarm
    register: does-not-exist
    condition: gt
    high: 1.0
    severity: info
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for an alarm bound to an unknown register")
	}
	if !strings.Contains(err.Error(), "register not found") {
		t.Errorf("expected a register-not-found error, got: %v", err)
	}
}

func TestLoadRejectsTooManyDevices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var sb strings.Builder
	sb.WriteString("devices:\n")
	for i := 0; i < MaxDevices+1; i++ {
		sb.WriteString("  - id: plc-")
		sb.WriteString(string(rune('a' + i)))
		sb.WriteString("\n    address: 10.0.0.1\n")
	}

	path := writeConfig(t, dir, "gateway.yaml", sb.String())

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error when exceeding MaxDevices")
	}
}

func TestNewGatewayIDIsUnique(t *testing.T) {
	t.Parallel()

	a := NewGatewayID()
	b := NewGatewayID()
	if a == b {
		t.Error("expected two minted gateway ids to differ")
	}
	if len(a) != 64 {
		t.Errorf("gateway id hex length = %d, want 64", len(a))
	}
}

func TestDataTypeWordCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dataType DataType
		want     int
	}{
		{TypeUint16, 1},
		{TypeInt16, 1},
		{TypeBool, 1},
		{TypeUint32, 2},
		{TypeInt32, 2},
		{TypeFloat32, 2},
		{TypeFloat64, 4},
		{TypeString, 16},
	}

	for _, tt := range tests {
		t.Run(string(tt.dataType), func(t *testing.T) {
			if got := tt.dataType.WordCount(); got != tt.want {
				t.Errorf("WordCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDeviceByID(t *testing.T) {
	t.Parallel()

	gw := &Gateway{Devices: []Device{{ID: "plc-01"}, {ID: "plc-02"}}}

	if d := gw.DeviceByID("plc-02"); d == nil || d.ID != "plc-02" {
		t.Error("DeviceByID(\"plc-02\") did not find the device")
	}
	if d := gw.DeviceByID("missing"); d != nil {
		t.Error("DeviceByID(\"missing\") should return nil")
	}
}
