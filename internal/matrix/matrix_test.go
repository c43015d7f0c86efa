package matrix

import (
	"testing"

	"github.com/sweeney/hall-keyboard/internal/adc"
	"github.com/sweeney/hall-keyboard/internal/profile"
	"github.com/sweeney/hall-keyboard/internal/store"
)

// fakeClock is a millisecond counter that advances by step on every
// read, with manual jumps for inactivity tests.
type fakeClock struct {
	t    uint32
	step uint32
}

func (c *fakeClock) now() uint32 {
	v := c.t
	c.t += c.step
	return v
}

func testImage() *profile.Image {
	im := profile.Default()
	im.Calibration.InitialRestValue = 1000
	im.Calibration.InitialBottomOutThreshold = 510
	im.Options.SaveBottomOutThreshold = false
	return im
}

// adcFor returns the raw reading that produces the given travel with a
// rest of 1000 and a bottom-out of 1510 (2 counts per distance unit).
func adcFor(dist uint8) uint16 {
	return 1000 + uint16(dist)*2
}

func restFrame() []uint16 {
	f := make([]uint16, profile.NumKeys)
	for i := range f {
		f[i] = 1000
	}
	return f
}

func frameWithKey(key int, v uint16) []uint16 {
	f := restFrame()
	f[key] = v
	return f
}

// repeat schedules the same frame for n consecutive scans.
func repeat(f []uint16, n int) [][]uint16 {
	frames := make([][]uint16, n)
	for i := range frames {
		frames[i] = f
	}
	return frames
}

func concat(chunks ...[][]uint16) [][]uint16 {
	var frames [][]uint16
	for _, c := range chunks {
		frames = append(frames, c...)
	}
	return frames
}

func newTestEngine(frames [][]uint16) (*Engine, *fakeClock, *store.FakeWearLeveler) {
	clk := &fakeClock{}
	wl := store.NewFakeWearLeveler()
	e := New(adc.NewFakeSampler(frames), testImage(), store.New(wl), clk.now)
	return e, clk, wl
}

// initQuick runs Init with a clock step that bounds calibration to a
// single sample pass, then restores a 1 ms step for scanning.
func initQuick(e *Engine, clk *fakeClock) {
	clk.step = CalibrationDuration / 2
	e.Init()
	clk.step = 1
}

// settle runs n sample-and-scan cycles.
func settle(e *Engine, n int) {
	for i := 0; i < n; i++ {
		e.sampler.Task()
		e.Scan()
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name         string
		f, rest, bot uint16
		want         uint8
	}{
		{"at rest", 1000, 1000, 1510, 0},
		{"below rest", 900, 1000, 1510, 0},
		{"bottomed out", 1510, 1000, 1510, 255},
		{"beyond bottom out", 1600, 1000, 1510, 255},
		{"half travel", 1256, 1000, 1510, 128},
		{"degenerate envelope", 1200, 1000, 1000, 0},
		{"inverted envelope", 1200, 1000, 900, 0},
	}
	for _, tt := range tests {
		if got := distance(tt.f, tt.rest, tt.bot); got != tt.want {
			t.Errorf("%s: distance(%d, %d, %d) = %d, want %d", tt.name, tt.f, tt.rest, tt.bot, got, tt.want)
		}
	}
}

func TestDistanceMonotone(t *testing.T) {
	prev := uint8(0)
	for f := uint16(1000); f <= 1510; f++ {
		d := distance(f, 1000, 1510)
		if d < prev {
			t.Fatalf("distance not monotone at f=%d: %d < %d", f, d, prev)
		}
		prev = d
	}
}

func TestEMAConvergence(t *testing.T) {
	v := uint16(1000)
	for i := 0; i < 200; i++ {
		v = ema(2000, v)
	}
	if v < 1990 || v > 2000 {
		t.Errorf("EMA should settle just below the target, got %d", v)
	}
}

func TestRecalibrateInitializesKeys(t *testing.T) {
	e, clk, _ := newTestEngine(repeat(restFrame(), 4))
	initQuick(e, clk)

	s := e.State(3)
	if s.ADCRestValue != 1000 {
		t.Errorf("rest = %d, want 1000", s.ADCRestValue)
	}
	if s.ADCBottomOutValue != 1510 {
		t.Errorf("bottom-out = %d, want 1510", s.ADCBottomOutValue)
	}
	if s.Distance != 0 || s.IsPressed || s.Dir != DirInactive {
		t.Errorf("key not reset: %+v", s)
	}
}

func TestRecalibrateLowersRestValue(t *testing.T) {
	// Sensor actually rests at 900; calibration must pull the envelope
	// down.
	low := restFrame()
	for i := range low {
		low[i] = 900
	}
	e, clk, _ := newTestEngine(repeat(low, 60))
	clk.step = 10 // ~50 calibration passes
	e.Init()

	if rest := e.State(0).ADCRestValue; rest > 910 {
		t.Errorf("rest = %d, want near 900", rest)
	}
	if bot := e.State(0).ADCBottomOutValue; bot > 1420 {
		t.Errorf("bottom-out = %d, should track the lowered rest", bot)
	}
}

func TestRecalibrateResetsBottomOutThresholds(t *testing.T) {
	e, clk, wl := newTestEngine(repeat(restFrame(), 4))
	e.image.BottomOutThreshold[5] = 77

	clk.step = CalibrationDuration / 2
	e.Recalibrate(true)

	for i, v := range e.image.BottomOutThreshold {
		if v != 0 {
			t.Fatalf("threshold[%d] = %d after reset", i, v)
		}
	}
	if len(wl.Writes) == 0 {
		t.Error("expected a store write for the reset")
	}
}

func TestFixedActuation(t *testing.T) {
	frames := concat(
		repeat(restFrame(), 2),
		repeat(frameWithKey(2, adcFor(200)), 80),
		repeat(restFrame(), 80),
	)
	e, clk, _ := newTestEngine(frames)
	initQuick(e, clk)
	// Rapid Trigger off for key 2.
	e.image.Current().ActuationMap[2] = profile.Actuation{ActuationPoint: 128}

	settle(e, 80)
	if !e.State(2).IsPressed {
		t.Fatal("key 2 should be pressed past actuation")
	}
	if e.State(2).EventTime == 0 {
		t.Error("press edge should stamp event time")
	}

	settle(e, 80)
	if e.State(2).IsPressed {
		t.Fatal("key 2 should be released at rest")
	}
}

func TestFixedActuationZeroPoint(t *testing.T) {
	// actuation_point 0 with no Rapid Trigger: any nonzero travel is a
	// press.
	frames := concat(
		repeat(restFrame(), 2),
		repeat(frameWithKey(2, adcFor(10)), 80),
	)
	e, clk, _ := newTestEngine(frames)
	initQuick(e, clk)
	e.image.Current().ActuationMap[2] = profile.Actuation{ActuationPoint: 0}

	settle(e, 80)
	if !e.State(2).IsPressed {
		t.Error("any nonzero distance should press with actuation point 0")
	}
}

func TestRapidTriggerMachine(t *testing.T) {
	// Actuation 40, rt_down 10, rt_up 10. Travel to 60,
	// back to 52 (within rt_up of the extremum, still down), then 48
	// (released), then back to 59 (48+10 < 59, pressed again).
	act := &profile.Actuation{ActuationPoint: 40, RTDown: 10, RTUp: 10}
	e, _, _ := newTestEngine(repeat(restFrame(), 1))
	k := &e.keys[0]

	step := func(d uint8) {
		k.Distance = d
		e.rapidTrigger(k, act)
	}

	step(30)
	if k.IsPressed || k.Dir != DirInactive {
		t.Fatal("below actuation should stay inactive")
	}

	step(60)
	if !k.IsPressed || k.Dir != DirDown {
		t.Fatal("crossing actuation should press")
	}
	if k.Extremum != 60 {
		t.Fatalf("extremum = %d, want 60", k.Extremum)
	}

	step(52)
	if !k.IsPressed {
		t.Fatal("8 of reversal is within rt_up, should stay pressed")
	}

	step(48)
	if k.IsPressed || k.Dir != DirUp {
		t.Fatal("12 of reversal should release by Rapid Trigger")
	}
	if k.Extremum != 48 {
		t.Fatalf("extremum = %d, want 48", k.Extremum)
	}

	step(59)
	if !k.IsPressed || k.Dir != DirDown {
		t.Fatal("11 past the extremum should re-press")
	}

	step(40)
	if k.IsPressed || k.Dir != DirInactive {
		t.Fatal("reaching reset point should go inactive")
	}
}

func TestRapidTriggerContinuous(t *testing.T) {
	act := &profile.Actuation{ActuationPoint: 40, RTDown: 10, RTUp: 10, Continuous: true}
	e, _, _ := newTestEngine(repeat(restFrame(), 1))
	k := &e.keys[0]

	k.Distance = 60
	e.rapidTrigger(k, act)
	if !k.IsPressed {
		t.Fatal("should press past actuation")
	}

	// Continuous mode keeps tracking below the actuation point.
	k.Distance = 20
	e.rapidTrigger(k, act)
	if k.Dir != DirUp {
		t.Fatalf("dir = %v, want up", k.Dir)
	}

	k.Distance = 31
	e.rapidTrigger(k, act)
	if !k.IsPressed {
		t.Fatal("should re-press below the actuation point in continuous mode")
	}

	k.Distance = 0
	e.rapidTrigger(k, act)
	if k.IsPressed || k.Dir != DirInactive {
		t.Fatal("reaching zero should reset")
	}
}

func TestRapidTriggerRTUpDefaults(t *testing.T) {
	// rt_up 0 uses rt_down for both directions.
	act := &profile.Actuation{ActuationPoint: 40, RTDown: 15}
	e, _, _ := newTestEngine(repeat(restFrame(), 1))
	k := &e.keys[0]

	k.Distance = 80
	e.rapidTrigger(k, act)
	k.Distance = 70
	e.rapidTrigger(k, act)
	if !k.IsPressed {
		t.Fatal("10 of reversal is within rt_down fallback, should stay pressed")
	}
	k.Distance = 64
	e.rapidTrigger(k, act)
	if k.IsPressed {
		t.Fatal("16 of reversal should release")
	}
}

func TestSameScanPressOrdering(t *testing.T) {
	// One frame jump makes both keys cross actuation on the same scan:
	// from a settled 1000, a raw of 3240 filters to 1280 (travel 140)
	// and 4092 to ~1386 (travel ~193). Only the deeper overshoot may
	// keep its press.
	jump := restFrame()
	jump[1] = 3240
	jump[2] = 4092
	frames := concat(repeat(restFrame(), 2), repeat(jump, 10))
	e, clk, _ := newTestEngine(frames)
	initQuick(e, clk)
	for _, k := range []int{1, 2} {
		e.image.Current().ActuationMap[k] = profile.Actuation{ActuationPoint: 128}
	}

	settle(e, 2) // second cycle lands on the jump frame
	if e.State(1).IsPressed {
		t.Fatal("shallower key 1 must be deferred to the next scan")
	}
	if !e.State(2).IsPressed {
		t.Fatal("deeper key 2 must keep its press")
	}

	settle(e, 1)
	if !e.State(1).IsPressed {
		t.Fatal("deferred key 1 must press on the following scan")
	}
	if !e.State(2).IsPressed {
		t.Fatal("key 2 must stay pressed")
	}

	if e.State(1).EventTime <= e.State(2).EventTime {
		t.Error("deferred press must carry a later event time")
	}
}

func TestBottomOutCalibrationAndSave(t *testing.T) {
	// A press past the initial bottom-out raises the envelope and is
	// flushed after the inactivity timeout.
	deep := frameWithKey(0, 1800)
	frames := concat(
		repeat(restFrame(), 2),
		repeat(deep, 100),
		repeat(restFrame(), 200),
	)
	e, clk, wl := newTestEngine(frames)
	e.image.Options.SaveBottomOutThreshold = true
	initQuick(e, clk)

	settle(e, 100)
	if bot := e.State(0).ADCBottomOutValue; bot < 1700 {
		t.Fatalf("bottom-out envelope did not grow: %d", bot)
	}

	settle(e, 100)
	writes := len(wl.Writes)
	clk.t += 10000
	settle(e, 2)
	if len(wl.Writes) <= writes {
		t.Fatal("expected a bottom-out threshold flush after inactivity")
	}
	if e.image.BottomOutThreshold[0] < 700 {
		t.Errorf("threshold[0] = %d, want near 790", e.image.BottomOutThreshold[0])
	}
}

func TestSaveFailureRearmsTimer(t *testing.T) {
	deep := frameWithKey(0, 1800)
	frames := concat(repeat(restFrame(), 2), repeat(deep, 100), repeat(restFrame(), 200))
	e, clk, wl := newTestEngine(frames)
	e.image.Options.SaveBottomOutThreshold = true
	initQuick(e, clk)
	wl.FailWrites = true

	settle(e, 200)
	clk.t += 10000
	settle(e, 2)
	if len(wl.Writes) != 0 {
		t.Fatal("failed writes must not be recorded")
	}
	// Timer rearmed: once writes succeed again, the very next scans
	// must not retry before another inactivity window.
	wl.FailWrites = false
	settle(e, 5)
	if len(wl.Writes) != 0 {
		t.Error("a failed save must not be retried on the very next scans")
	}
}

func TestDisableRapidTrigger(t *testing.T) {
	frames := concat(repeat(restFrame(), 2), repeat(frameWithKey(4, adcFor(200)), 80))
	e, clk, _ := newTestEngine(frames)
	initQuick(e, clk)
	e.image.Current().ActuationMap[4] = profile.Actuation{ActuationPoint: 128, RTDown: 10, RTUp: 10}

	e.DisableRapidTrigger(4, true)
	settle(e, 80)
	s := e.State(4)
	if !s.IsPressed {
		t.Fatal("key should press via fixed threshold")
	}
	if s.Dir != DirInactive {
		t.Fatalf("dir = %v, want inactive while Rapid Trigger is disabled", s.Dir)
	}
}

func TestADCClampAndInvert(t *testing.T) {
	e, clk, _ := newTestEngine(repeat(restFrame(), 4))
	initQuick(e, clk)
	e.InvertADC = true

	// Inverted, a rest-level raw reads near full scale.
	if v := e.analogRead(0); v != adc.MaxValue-1000 {
		t.Errorf("inverted read = %d, want %d", v, adc.MaxValue-1000)
	}
}
