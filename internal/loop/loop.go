// Package loop drives the periodic control cycle. In a fielded deployment
// the sample source and the actuation sink are the industrial adapters; the
// built-in simulation source exists so a bench setup exercises the full
// preprocess, inference, gate, actuate path without hardware attached.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/plcforge/edgevault/pkg/invariant"
	"github.com/plcforge/edgevault/pkg/runtime"
	"github.com/plcforge/edgevault/pkg/slot"
)

type Config struct {
	// Source selects the sample source: "none" disables the loop, "sim"
	// generates a synthetic voltage waveform.
	Source string `mapstructure:"source"`
	// Period is the control cycle interval.
	Period time.Duration `mapstructure:"period"`
	// Nominal is the simulated nominal voltage.
	Nominal float64 `mapstructure:"nominal"`
}

func (c Config) Validate() error {
	switch c.Source {
	case "", "none", "sim":
	default:
		return fmt.Errorf("unknown loop source %q (want none or sim)", c.Source)
	}
	if c.Source == "sim" && c.Period <= 0 {
		return fmt.Errorf("loop.period must be positive when the loop is enabled")
	}
	return nil
}

func (c Config) enabled() bool { return c.Source == "sim" }

// Sampler produces one acquisition per cycle.
type Sampler interface {
	Sample(now time.Time) runtime.Sample
}

// Loop calls the runtime once per period. Run blocks until the context is
// cancelled.
type Loop struct {
	log     *zap.Logger
	rt      *runtime.Runtime
	period  time.Duration
	sampler Sampler
}

// New returns nil when the loop is disabled by configuration.
func New(log *zap.Logger, cfg Config, rt *runtime.Runtime) *Loop {
	if !cfg.enabled() {
		return nil
	}
	return &Loop{
		log:     log.With(zap.String("component", path.Base(reflect.TypeOf(Loop{}).PkgPath()))),
		rt:      rt,
		period:  cfg.Period,
		sampler: &simSampler{nominal: cfg.Nominal, start: time.Now()},
	}
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, err := l.rt.Cycle(l.sampler.Sample(now))
			if err != nil && !errors.Is(err, slot.ErrNoValidSlot) {
				l.log.Warn("control cycle error", zap.Error(err))
			}
		}
	}
}

// Collaborators returns the simulation pipeline handed to the runtime. The
// inferer is a voltage follower: it proposes the measured voltage as the
// actuation candidate, which lets the invariant gate demonstrate clamping
// whenever the waveform leaves the agent's declared window.
func Collaborators(log *zap.Logger, cfg Config) runtime.Collaborators {
	return runtime.Collaborators{
		Pre:   passthroughPre{},
		Infer: followInferer{},
		Act: &logActuator{
			log: log.With(zap.String("component", path.Base(reflect.TypeOf(logActuator{}).PkgPath()))),
		},
	}
}

// simSampler produces a slow sinusoid around nominal with a ±15% swing.
type simSampler struct {
	nominal float64
	start   time.Time
}

func (s *simSampler) Sample(now time.Time) runtime.Sample {
	t := now.Sub(s.start).Seconds()
	voltage := s.nominal * (1 + 0.15*math.Sin(t/10))
	return runtime.Sample{T: t, Raw: []float64{voltage, 1.0}}
}

// passthroughPre maps raw values straight onto sensor channels.
type passthroughPre struct{}

func (passthroughPre) Preprocess(s runtime.Sample) (invariant.Frame, error) {
	return invariant.Frame{T: s.T, Sensors: s.Raw}, nil
}

type followInferer struct{}

func (followInferer) Infer(agent *runtime.ActiveAgent, f invariant.Frame) (invariant.Candidate, error) {
	if len(f.Sensors) == 0 {
		return invariant.Candidate{}, fmt.Errorf("empty sensor frame")
	}
	return invariant.NewCandidate(f.Sensors[0]), nil
}

type logActuator struct {
	log *zap.Logger
}

func (a *logActuator) Actuate(v float64) error {
	a.log.Debug("actuation", zap.Float64("value", v))
	return nil
}
