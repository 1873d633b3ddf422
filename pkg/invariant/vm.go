package invariant

import "math"

// Candidate wraps an actuation value proposed by an agent. The value is
// unexported so nothing outside the VM can extract it: the only way to turn a
// Candidate into a usable number is Evaluate, which substitutes the fail-safe
// value when any rule trips. Skipping the gate is therefore a type error, not
// a runtime bug.
type Candidate struct {
	value float64
}

// NewCandidate wraps a raw actuation value for evaluation.
func NewCandidate(v float64) Candidate {
	return Candidate{value: v}
}

// Frame is one control cycle's worth of inputs. T is the frame timestamp in
// seconds; rate checks derive dt from consecutive frame timestamps, never
// from the wall clock, so replaying recorded frames reproduces identical
// outcomes. Sensors[i] is bound to channel i+1.
type Frame struct {
	T       float64
	Sensors []float64
}

// Outcome is the result of gating one candidate. Value is the candidate when
// every rule passed, or the program's fail-safe value otherwise. Rule and
// Observed identify the first tripped rule and the value that tripped it.
type Outcome struct {
	Value    float64
	Passed   bool
	Rule     uint8
	Observed float64
}

// VM evaluates invariant programs. The only state carried between cycles is
// the per-channel rate memory and the previous frame timestamp; everything
// else is reset per call. A VM is not safe for concurrent use.
type VM struct {
	prev  [MaxChannels]float64
	seen  [MaxChannels]bool
	lastT float64
	hasT  bool
	stack [MaxStackDepth]float64
}

// NewVM returns a VM with empty rate memory.
func NewVM() *VM {
	return &VM{}
}

// Reset clears the rate memory, as after an agent swap where the monitored
// channels may have changed meaning.
func (vm *VM) Reset() {
	*vm = VM{}
}

// Evaluate runs one program over one frame and returns the gated actuation
// value. Execution stops at the first tripped rule; the rate memory is
// updated from the current frame regardless of the result, so a single
// violation does not poison subsequent rate checks. The program must have
// passed Validate; Evaluate performs no allocation.
func (vm *VM) Evaluate(p *Program, f Frame, cand Candidate) Outcome {
	out := Outcome{Value: cand.value, Passed: true}

	dt := 0.0
	if vm.hasT && f.T > vm.lastT {
		dt = f.T - vm.lastT
	}

	sp := 0
loop:
	for _, in := range p.Instrs {
		switch in.Op {
		case OpLoadChannel:
			v, ok := vm.channel(f, cand, in.Ch)
			if !ok {
				out = Outcome{Passed: false, Rule: in.Rule}
				break loop
			}
			vm.stack[sp] = v
			sp++
		case OpLoadConst:
			vm.stack[sp] = in.A
			sp++
		case OpCmpLT:
			sp--
			if x := vm.stack[sp]; !(x < in.A) {
				out = Outcome{Passed: false, Rule: in.Rule, Observed: x}
				break loop
			}
		case OpCmpGT:
			sp--
			if x := vm.stack[sp]; !(x > in.A) {
				out = Outcome{Passed: false, Rule: in.Rule, Observed: x}
				break loop
			}
		case OpCmpInRange:
			sp--
			if x := vm.stack[sp]; x < in.A || x > in.B {
				out = Outcome{Passed: false, Rule: in.Rule, Observed: x}
				break loop
			}
		case OpCheckRate:
			v, ok := vm.channel(f, cand, in.Ch)
			if !ok {
				out = Outcome{Passed: false, Rule: in.Rule}
				break loop
			}
			if vm.seen[in.Ch] && dt > 0 {
				delta := v - vm.prev[in.Ch]
				if delta < 0 {
					delta = -delta
				}
				if delta/dt > in.A {
					out = Outcome{Passed: false, Rule: in.Rule, Observed: delta / dt}
					break loop
				}
			}
		case OpFailClosed:
			out = Outcome{Passed: false, Rule: in.Rule}
			break loop
		case OpReturn:
			break loop
		}
	}

	vm.remember(p, f, cand)

	if !out.Passed {
		out.Value = p.FailSafe
	}
	return out
}

// channel resolves a channel index against the frame. Channel 0 is the
// candidate. A sensor index past the end of the frame fails closed, and so
// does a non-finite value: IEEE 754 ordered comparisons with NaN are all
// false, so a NaN candidate would otherwise sail through every window and
// rate check. Rejecting it here also keeps NaN out of the rate memory.
func (vm *VM) channel(f Frame, cand Candidate, ch uint8) (float64, bool) {
	v := 0.0
	if ch == ChannelCandidate {
		v = cand.value
	} else {
		idx := int(ch) - 1
		if idx >= len(f.Sensors) {
			return 0, false
		}
		v = f.Sensors[idx]
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// remember seeds the rate memory for every channel the program monitors.
func (vm *VM) remember(p *Program, f Frame, cand Candidate) {
	for _, in := range p.Instrs {
		if in.Op != OpCheckRate {
			continue
		}
		if v, ok := vm.channel(f, cand, in.Ch); ok {
			vm.prev[in.Ch] = v
			vm.seen[in.Ch] = true
		}
	}
	// A non-finite timestamp would wedge dt at zero for every later frame.
	if !math.IsNaN(f.T) && !math.IsInf(f.T, 0) {
		vm.lastT = f.T
		vm.hasT = true
	}
}
