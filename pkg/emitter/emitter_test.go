package emitter

import (
	"math"
	"testing"
	"time"

	"github.com/fieldbridge/indgw/pkg/config"
)

func newTestEmitter() *Emitter {
	return New(Config{GatewayIDHex: "deadbeefcafef00d1122334455667788"}, 16, 16)
}

func TestProcessRawEmitsTwoSeparateUint16Registers(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "r1", Address: 100, DataType: config.TypeUint16, Scale: 0.1})
	e.AddRegister("p", config.Register{Name: "r2", Address: 101, DataType: config.TypeUint16, Scale: 0.1})

	e.ProcessRaw("p", 100, []uint16{0x0064, 0x00C8}, QualityGood, time.Time{})

	ev1 := <-e.ValueEvents()
	ev2 := <-e.ValueEvents()

	if ev1.Name != "r1" || math.Abs(ev1.Value-10.0) > 1e-9 {
		t.Errorf("first event = %+v, want r1=10.0", ev1)
	}
	if ev2.Name != "r2" || math.Abs(ev2.Value-20.0) > 1e-9 {
		t.Errorf("second event = %+v, want r2=20.0", ev2)
	}
	if ev1.Topic == "" || ev1.Topic[:len("lex://estream/sys/industrial/")] != "lex://estream/sys/industrial/" {
		t.Errorf("unexpected topic shape: %q", ev1.Topic)
	}
}

func TestProcessRawDecodesFullMultiWordRegister(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "flow", Address: 200, DataType: config.TypeFloat32, WordOrder: config.WordOrderBigEndian, Scale: 1.0})

	bits := math.Float32bits(3.25)
	hi := uint16(bits >> 16)
	lo := uint16(bits)
	e.ProcessRaw("p", 200, []uint16{hi, lo}, QualityGood, time.Time{})

	ev := <-e.ValueEvents()
	if math.Abs(float64(ev.Value)-3.25) > 1e-6 {
		t.Errorf("decoded float32 value = %v, want 3.25", ev.Value)
	}
}

func TestProcessRawLittleEndianWordOrder(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "counter", Address: 300, DataType: config.TypeUint32, WordOrder: config.WordOrderLittleEndian, Scale: 1.0})

	// Big-endian word order would be hi=0x0001, lo=0x0000 -> 0x00010000 = 65536.
	// Little-endian reverses word order: low word first, so transmitting [lo, hi] = [0x0000, 0x0001].
	e.ProcessRaw("p", 300, []uint16{0x0000, 0x0001}, QualityGood, time.Time{})

	ev := <-e.ValueEvents()
	if ev.Value != 65536 {
		t.Errorf("little-endian decoded value = %v, want 65536", ev.Value)
	}
}

func TestProcessRawChangeDetectionSuppressesBelowThreshold(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "temp", Address: 10, DataType: config.TypeUint16, Scale: 1.0, EmitOnChange: true, ChangeThreshold: 5.0})

	e.ProcessRaw("p", 10, []uint16{100}, QualityGood, time.Time{})
	<-e.ValueEvents() // first read always emits

	e.ProcessRaw("p", 10, []uint16{102}, QualityGood, time.Time{}) // delta 2 < threshold 5
	select {
	case ev := <-e.ValueEvents():
		t.Fatalf("unexpected event for a sub-threshold change: %+v", ev)
	default:
	}

	e.ProcessRaw("p", 10, []uint16{110}, QualityGood, time.Time{}) // delta 8 > threshold 5
	select {
	case ev := <-e.ValueEvents():
		if ev.Value != 110 {
			t.Errorf("value = %v, want 110", ev.Value)
		}
	default:
		t.Fatal("expected an event for a change above threshold")
	}
}

func TestAlarmTripAndClearWithHysteresis(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "tank", Address: 1, DataType: config.TypeUint16, Scale: 1.0})
	e.AddAlarm(config.Alarm{ID: "tank-high", Register: "tank", Condition: config.ConditionGT, High: 80.0, Hysteresis: 2.0, Enabled: true})

	feed := []uint16{75, 81, 79, 77}
	var alarmEvents []AlarmEvent
	for _, v := range feed {
		e.ProcessRaw("p", 1, []uint16{v}, QualityGood, time.Time{})
		<-e.ValueEvents()
		select {
		case ae := <-e.AlarmEvents():
			alarmEvents = append(alarmEvents, ae)
		default:
		}
	}

	if len(alarmEvents) != 2 {
		t.Fatalf("got %d alarm events, want 2 (trip at 81, clear at 77): %+v", len(alarmEvents), alarmEvents)
	}
	if alarmEvents[0].State != StateActive || alarmEvents[0].CurrentValue != 81 {
		t.Errorf("first alarm event = %+v, want Active at value 81", alarmEvents[0])
	}
	if alarmEvents[1].State != StateNormal || alarmEvents[1].CurrentValue != 77 {
		t.Errorf("second alarm event = %+v, want Normal at value 77", alarmEvents[1])
	}
}

func TestAlarmDebouncePreventsImmediateRetransition(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "tank", Address: 1, DataType: config.TypeUint16, Scale: 1.0})
	e.AddAlarm(config.Alarm{ID: "tank-high", Register: "tank", Condition: config.ConditionGT, High: 80.0, DebounceMs: 60000, Enabled: true})

	e.ProcessRaw("p", 1, []uint16{90}, QualityGood, time.Time{})
	<-e.ValueEvents()
	trip := <-e.AlarmEvents()
	if trip.State != StateActive {
		t.Fatalf("expected trip to Active, got %v", trip.State)
	}

	// Immediately drops below threshold, but debounce should suppress the clear.
	e.ProcessRaw("p", 1, []uint16{10}, QualityGood, time.Time{})
	<-e.ValueEvents()
	select {
	case ev := <-e.AlarmEvents():
		t.Fatalf("unexpected alarm event inside debounce window: %+v", ev)
	default:
	}
}

func TestAcknowledgeSuppressesReTripUntilCleared(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "tank", Address: 1, DataType: config.TypeUint16, Scale: 1.0})
	e.AddAlarm(config.Alarm{ID: "tank-high", Register: "tank", Condition: config.ConditionGT, High: 80.0, Enabled: true})

	e.ProcessRaw("p", 1, []uint16{90}, QualityGood, time.Time{})
	<-e.ValueEvents()
	<-e.AlarmEvents()

	if !e.Acknowledge("tank-high") {
		t.Fatal("Acknowledge() returned false for an Active alarm")
	}

	// Still above threshold: acknowledged alarm should not re-emit.
	e.ProcessRaw("p", 1, []uint16{95}, QualityGood, time.Time{})
	<-e.ValueEvents()
	select {
	case ev := <-e.AlarmEvents():
		t.Fatalf("unexpected event while acknowledged and still active: %+v", ev)
	default:
	}
}

func TestShelveSuspendsEvaluation(t *testing.T) {
	t.Parallel()

	e := newTestEmitter()
	e.AddRegister("p", config.Register{Name: "tank", Address: 1, DataType: config.TypeUint16, Scale: 1.0})
	e.AddAlarm(config.Alarm{ID: "tank-high", Register: "tank", Condition: config.ConditionGT, High: 80.0, Enabled: true})

	if !e.Shelve("tank-high") {
		t.Fatal("Shelve() returned false")
	}

	e.ProcessRaw("p", 1, []uint16{95}, QualityGood, time.Time{})
	<-e.ValueEvents()
	select {
	case ev := <-e.AlarmEvents():
		t.Fatalf("unexpected event for a shelved alarm: %+v", ev)
	default:
	}
}

func TestDecodeStringStripsTrailingNulls(t *testing.T) {
	t.Parallel()

	words := []uint16{0x4142, 0x4300}
	got := decodeString(words)
	if got != "ABC" {
		t.Errorf("decodeString() = %q, want %q", got, "ABC")
	}
}

func TestEvaluateConditionVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cond  config.AlarmCondition
		low   float64
		high  float64
		value float64
		want  bool
	}{
		{"GT true", config.ConditionGT, 0, 10, 11, true},
		{"GE boundary", config.ConditionGE, 0, 10, 10, true},
		{"LT true", config.ConditionLT, 10, 0, 5, true},
		{"LE boundary", config.ConditionLE, 10, 0, 10, true},
		{"EQ true", config.ConditionEQ, 0, 10, 10, true},
		{"NE true", config.ConditionNE, 0, 10, 5, true},
		{"Between inside", config.ConditionBetween, 0, 10, 5, true},
		{"Outside true", config.ConditionOutside, 0, 10, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Alarm{Condition: tt.cond, Low: tt.low, High: tt.high}
			if got := evaluateCondition(tt.value, cfg, false); got != tt.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}
