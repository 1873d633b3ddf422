package invariant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustCompile builds and validates a program from rule specs for tests.
func mustCompile(t *testing.T, rules []RuleSpec, bind Bindings, failSafe float64) *Program {
	t.Helper()
	p, err := Compile(rules, bind, failSafe)
	require.NoError(t, err)
	return p
}

func TestCandidateRangeGating(t *testing.T) {
	// 230V nominal with a ±20% window on the candidate, both bounds
	// inclusive: [184, 276].
	p := mustCompile(t, []RuleSpec{
		{Name: "voltage-window", Channel: "out", Min: f(184), Max: f(276)},
	}, Bindings{"out": ChannelCandidate}, 0)

	tests := []struct {
		name      string
		candidate float64
		wantPass  bool
	}{
		{"nominal", 230, true},
		{"lower bound inclusive", 184, true},
		{"upper bound inclusive", 276, true},
		{"just above upper bound", 276.01, false},
		{"just below lower bound", 183.99, false},
	}
	vm := NewVM()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := vm.Evaluate(p, Frame{}, NewCandidate(tt.candidate))
			assert.Equal(t, tt.wantPass, out.Passed)
			if tt.wantPass {
				assert.Equal(t, tt.candidate, out.Value)
			} else {
				assert.Equal(t, 0.0, out.Value)
				assert.Equal(t, uint8(0), out.Rule)
				assert.Equal(t, tt.candidate, out.Observed)
			}
		})
	}
}

func TestFirstTrippedRuleWins(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "first", Channel: "out", Min: f(0), Max: f(10)},
		{Name: "second", Channel: "out", Min: f(0), Max: f(5)},
	}, Bindings{"out": ChannelCandidate}, -1)

	out := NewVM().Evaluate(p, Frame{}, NewCandidate(20))
	require.False(t, out.Passed)
	assert.Equal(t, uint8(0), out.Rule)
	assert.Equal(t, -1.0, out.Value)

	out = NewVM().Evaluate(p, Frame{}, NewCandidate(7))
	require.False(t, out.Passed)
	assert.Equal(t, uint8(1), out.Rule)
}

func TestRateCheckUsesFrameTime(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "temp-slew", Channel: "temp", MaxRatePerSec: f(5)},
	}, Bindings{"out": ChannelCandidate, "temp": 1}, 0)
	vm := NewVM()

	// First observation always passes, it only seeds the memory.
	out := vm.Evaluate(p, Frame{T: 0, Sensors: []float64{100}}, NewCandidate(1))
	assert.True(t, out.Passed)

	// 4 units over 1s is within the 5/s cap.
	out = vm.Evaluate(p, Frame{T: 1, Sensors: []float64{104}}, NewCandidate(1))
	assert.True(t, out.Passed)

	// 12 units over 2s is 6/s, over the cap.
	out = vm.Evaluate(p, Frame{T: 3, Sensors: []float64{116}}, NewCandidate(1))
	require.False(t, out.Passed)
	assert.Equal(t, 6.0, out.Observed)

	// Memory was still updated from the violating frame, so a calm next
	// frame passes again.
	out = vm.Evaluate(p, Frame{T: 4, Sensors: []float64{117}}, NewCandidate(1))
	assert.True(t, out.Passed)
}

func TestRateCheckDirectionAgnostic(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "slew", Channel: "temp", MaxRatePerSec: f(5)},
	}, Bindings{"temp": 1}, 0)
	vm := NewVM()
	vm.Evaluate(p, Frame{T: 0, Sensors: []float64{100}}, NewCandidate(0))
	out := vm.Evaluate(p, Frame{T: 1, Sensors: []float64{90}}, NewCandidate(0))
	assert.False(t, out.Passed)
	assert.Equal(t, 10.0, out.Observed)
}

func TestQualityFloor(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "sensor-quality", Channel: "quality", MinQuality: f(0.9)},
	}, Bindings{"quality": 2}, 0)
	vm := NewVM()

	out := vm.Evaluate(p, Frame{Sensors: []float64{0, 0.95}}, NewCandidate(42))
	assert.True(t, out.Passed)
	assert.Equal(t, 42.0, out.Value)

	out = vm.Evaluate(p, Frame{Sensors: []float64{0, 0.5}}, NewCandidate(42))
	assert.False(t, out.Passed)
	assert.Equal(t, 0.0, out.Value)
}

func TestMissingSensorFailsClosed(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "needs-sensor", Channel: "temp", Min: f(0), Max: f(100)},
	}, Bindings{"temp": 3}, -5)
	out := NewVM().Evaluate(p, Frame{Sensors: []float64{1}}, NewCandidate(50))
	require.False(t, out.Passed)
	assert.Equal(t, -5.0, out.Value)
}

func TestFailClosedOpcode(t *testing.T) {
	p := &Program{
		Instrs:   []Instr{{Op: OpFailClosed, Rule: 7}, {Op: OpReturn}},
		FailSafe: 3,
	}
	require.NoError(t, Validate(p))
	out := NewVM().Evaluate(p, Frame{}, NewCandidate(100))
	require.False(t, out.Passed)
	assert.Equal(t, uint8(7), out.Rule)
	assert.Equal(t, 3.0, out.Value)
}

func TestResetClearsRateMemory(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "slew", Channel: "temp", MaxRatePerSec: f(1)},
	}, Bindings{"temp": 1}, 0)
	vm := NewVM()
	vm.Evaluate(p, Frame{T: 0, Sensors: []float64{0}}, NewCandidate(0))
	vm.Reset()
	// After reset the next frame is a first observation again.
	out := vm.Evaluate(p, Frame{T: 1, Sensors: []float64{1000}}, NewCandidate(0))
	assert.True(t, out.Passed)
}

// Non-finite values defeat ordered comparisons (every NaN comparison is
// false), so the gate must reject them before any window or rate check runs.
func TestNonFiniteInputsFailClosed(t *testing.T) {
	window := mustCompile(t, []RuleSpec{
		{Name: "window", Channel: "out", Min: f(184), Max: f(276)},
	}, Bindings{"out": ChannelCandidate}, 0)
	upperOnly := mustCompile(t, []RuleSpec{
		{Name: "ceiling", Expr: "out < 276"},
	}, Bindings{"out": ChannelCandidate}, 0)
	sensorWindow := mustCompile(t, []RuleSpec{
		{Name: "temp-window", Channel: "temp", Min: f(0), Max: f(100)},
	}, Bindings{"temp": 1}, 0)
	quality := mustCompile(t, []RuleSpec{
		{Name: "sensor-quality", Channel: "quality", MinQuality: f(0.9)},
	}, Bindings{"quality": 1}, 0)

	tests := []struct {
		name      string
		prog      *Program
		frame     Frame
		candidate float64
	}{
		{"NaN candidate in window", window, Frame{}, math.NaN()},
		{"+Inf candidate in window", window, Frame{}, math.Inf(1)},
		{"-Inf candidate in window", window, Frame{}, math.Inf(-1)},
		{"NaN candidate under less-than", upperOnly, Frame{}, math.NaN()},
		{"NaN sensor in window", sensorWindow, Frame{Sensors: []float64{math.NaN()}}, 50},
		{"Inf sensor in window", sensorWindow, Frame{Sensors: []float64{math.Inf(1)}}, 50},
		{"NaN quality", quality, Frame{Sensors: []float64{math.NaN()}}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewVM().Evaluate(tt.prog, tt.frame, NewCandidate(tt.candidate))
			require.False(t, out.Passed)
			assert.Equal(t, 0.0, out.Value)
		})
	}
}

func TestNonFiniteSensorDoesNotPoisonRateMemory(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "slew", Channel: "temp", MaxRatePerSec: f(5)},
	}, Bindings{"temp": 1}, 0)
	vm := NewVM()

	out := vm.Evaluate(p, Frame{T: 0, Sensors: []float64{100}}, NewCandidate(0))
	require.True(t, out.Passed)

	// The NaN frame fails closed and must leave the previous observation
	// intact rather than recording NaN.
	out = vm.Evaluate(p, Frame{T: 1, Sensors: []float64{math.NaN()}}, NewCandidate(0))
	require.False(t, out.Passed)

	// The surviving observation is the T=0 value; dt spans only the latest
	// frame gap, which errs toward tripping. 4 units over 1s is within cap.
	out = vm.Evaluate(p, Frame{T: 2, Sensors: []float64{104}}, NewCandidate(0))
	assert.True(t, out.Passed)

	// And a real violation relative to it still trips.
	vm.Reset()
	vm.Evaluate(p, Frame{T: 0, Sensors: []float64{100}}, NewCandidate(0))
	vm.Evaluate(p, Frame{T: 1, Sensors: []float64{math.NaN()}}, NewCandidate(0))
	out = vm.Evaluate(p, Frame{T: 2, Sensors: []float64{200}}, NewCandidate(0))
	assert.False(t, out.Passed)
}

func TestNonFiniteTimestampDoesNotWedgeRateChecks(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "slew", Channel: "temp", MaxRatePerSec: f(5)},
	}, Bindings{"temp": 1}, 0)
	vm := NewVM()
	vm.Evaluate(p, Frame{T: 0, Sensors: []float64{100}}, NewCandidate(0))
	vm.Evaluate(p, Frame{T: math.NaN(), Sensors: []float64{101}}, NewCandidate(0))
	out := vm.Evaluate(p, Frame{T: 1, Sensors: []float64{200}}, NewCandidate(0))
	assert.False(t, out.Passed)
}

// Out-of-window candidates are never emitted, no matter what the agent
// produces. This is the property the whole package exists for.
func TestFailClosedSweep(t *testing.T) {
	const lo, hi, failSafe = 184.0, 276.0, 0.0
	p := mustCompile(t, []RuleSpec{
		{Name: "window", Channel: "out", Min: f(lo), Max: f(hi)},
	}, Bindings{"out": ChannelCandidate}, failSafe)

	vm := NewVM()
	rng := rand.New(rand.NewSource(0x5afe))
	for i := 0; i < 10000; i++ {
		var cand float64
		switch rng.Intn(20) {
		case 0:
			cand = math.NaN()
		case 1:
			cand = math.Inf(1)
		case 2:
			cand = math.Inf(-1)
		default:
			cand = rng.Float64()*1000 - 250
		}
		out := vm.Evaluate(p, Frame{T: float64(i)}, NewCandidate(cand))
		if cand >= lo && cand <= hi {
			require.True(t, out.Passed, "candidate %v", cand)
			require.Equal(t, cand, out.Value)
		} else {
			require.False(t, out.Passed, "candidate %v", cand)
			require.Equal(t, failSafe, out.Value)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	p := mustCompile(t, []RuleSpec{
		{Name: "window", Channel: "out", Min: f(0), Max: f(100)},
		{Name: "slew", Channel: "temp", MaxRatePerSec: f(10)},
	}, Bindings{"out": ChannelCandidate, "temp": 1}, 0)

	frames := []Frame{
		{T: 0, Sensors: []float64{20}},
		{T: 1, Sensors: []float64{25}},
		{T: 2, Sensors: []float64{80}},
		{T: 3, Sensors: []float64{82}},
	}
	run := func() []Outcome {
		vm := NewVM()
		outs := make([]Outcome, 0, len(frames))
		for i, fr := range frames {
			outs = append(outs, vm.Evaluate(p, fr, NewCandidate(float64(10*i))))
		}
		return outs
	}
	assert.Equal(t, run(), run())
}

func f(v float64) *float64 { return &v }
