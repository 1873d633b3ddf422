package runtime

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/plcforge/edgevault/pkg/invariant"
	"github.com/plcforge/edgevault/pkg/journal"
	"github.com/plcforge/edgevault/pkg/slot"
)

// Sample is one raw acquisition handed to the pre-processing stage. T is the
// sample timestamp in seconds.
type Sample struct {
	T   float64
	Raw []float64
}

// Preprocessor turns a raw sample into the normalized sensor frame the agent
// and the invariant program run against.
type Preprocessor interface {
	Preprocess(s Sample) (invariant.Frame, error)
}

// Inferer produces the candidate actuation value from the active agent's
// entry points. The candidate is opaque: only the invariant VM can turn it
// back into a number.
type Inferer interface {
	Infer(agent *ActiveAgent, f invariant.Frame) (invariant.Candidate, error)
}

// Actuator consumes the gated actuation value.
type Actuator interface {
	Actuate(value float64) error
}

// Cycle runs one full control period: watchdog pump, preprocess, inference,
// invariant gate, actuation. It returns the value actually actuated. With no
// valid agent loaded the safe default is actuated and ErrNoValidSlot
// returned; collaborator errors also fall back to the safe default, the loop
// is never halted.
func (r *Runtime) Cycle(s Sample) (float64, error) {
	start := time.Now()
	defer func() {
		r.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	}()

	// Any in-flight update interleaves between cycles, never inside one.
	r.slots.WatchdogCheck()

	agent := r.agent.Load()
	if agent == nil {
		return r.actuateSafe(slot.ErrNoValidSlot)
	}
	if r.resetVM.CompareAndSwap(true, false) {
		// Channel meaning may have changed with the agent; drop the rate
		// memory rather than comparing across agents.
		r.vm.Reset()
	}

	frame, err := r.pre.Preprocess(s)
	if err != nil {
		return r.actuateSafe(fmt.Errorf("preprocess: %w", err))
	}
	cand, err := r.infer.Infer(agent, frame)
	if err != nil {
		return r.actuateSafe(fmt.Errorf("inference: %w", err))
	}

	out := r.vm.Evaluate(agent.Program, frame, cand)
	if !out.Passed {
		r.violations.Add(1)
		r.metrics.violations.Inc()
		r.journal.Record(journal.Event{
			Kind:    journal.KindInvariantViolation,
			Agent:   agent.ID,
			Version: agent.Version.String(),
			Rule:    out.Rule,
			Value:   out.Observed,
		})
		r.log.Warn("invariant violation, actuation clamped",
			zap.Uint8("rule", out.Rule),
			zap.Float64("observed", out.Observed),
			zap.Float64("clamped", out.Value))
	}

	if err := r.act.Actuate(out.Value); err != nil {
		return out.Value, fmt.Errorf("actuation: %w", err)
	}
	return out.Value, nil
}

// actuateSafe emits the configured safe default and reports why.
func (r *Runtime) actuateSafe(cause error) (float64, error) {
	if err := r.act.Actuate(r.cfg.SafeDefault); err != nil {
		return r.cfg.SafeDefault, fmt.Errorf("actuation: %w", err)
	}
	return r.cfg.SafeDefault, cause
}
