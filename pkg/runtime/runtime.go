// Package runtime is the façade tying verification, the slot manager, and
// the invariant VM together. Updates flow validator first, slot manager
// second; control cycles flow preprocess, infer, invariant gate, actuate.
package runtime

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/plcforge/edgevault/pkg/flash"
	"github.com/plcforge/edgevault/pkg/invariant"
	"github.com/plcforge/edgevault/pkg/journal"
	"github.com/plcforge/edgevault/pkg/manifest"
	"github.com/plcforge/edgevault/pkg/slot"
)

// Config is the runtime tuning surface.
type Config struct {
	// BootVerify selects how the active slot is re-checked at startup,
	// "full" or "integrity".
	BootVerify string `mapstructure:"boot-verify"`
	// SafeDefault is the actuation value emitted while no valid agent is
	// loaded.
	SafeDefault float64 `mapstructure:"safe-default"`
	// Watchdog bounds in-flight update transactions. Zero keeps the slot
	// manager's default.
	Watchdog time.Duration `mapstructure:"watchdog"`
}

// ActiveAgent is the cached view of the loaded agent that control cycles run
// against. It is replaced wholesale on activation or rollback, never mutated.
type ActiveAgent struct {
	ID       string
	Name     string
	Version  slot.Version
	Bank     flash.Bank
	Sequence uint64
	Image    *manifest.Image
	Program  *invariant.Program
	Bindings invariant.Bindings
}

// Runtime sequences updates and control cycles. Cycle must be called from a
// single goroutine; ApplyUpdate and Stats may be called from any.
type Runtime struct {
	log       *zap.Logger
	cfg       Config
	policy    manifest.BootPolicy
	validator *manifest.Validator
	dev       flash.Device
	slots     *slot.Manager
	journal   *journal.Journal
	metrics   *Metrics

	pre   Preprocessor
	infer Inferer
	act   Actuator

	vm         *invariant.VM
	agent      atomic.Pointer[ActiveAgent]
	resetVM    atomic.Bool
	violations atomic.Uint64
}

// Collaborators are the external stages of the control cycle. The runtime
// owns only the gate between Inferer and Actuator.
type Collaborators struct {
	Pre   Preprocessor
	Infer Inferer
	Act   Actuator
}

// New boots the runtime: scans flash, re-verifies whatever the scan
// selected according to the configured policy, and builds the cached agent
// view. A failed re-verification invalidates that bank and falls back to the
// other one; with neither valid the runtime still starts, holding actuation
// at the safe default.
func New(cfg Config, log *zap.Logger, validator *manifest.Validator, dev flash.Device,
	j *journal.Journal, metrics *Metrics, c Collaborators) (*Runtime, error) {

	policy, err := manifest.ParseBootPolicy(cfg.BootVerify)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		log:       log.With(zap.String("component", path.Base(reflect.TypeOf(Runtime{}).PkgPath()))),
		cfg:       cfg,
		policy:    policy,
		validator: validator,
		dev:       dev,
		journal:   j,
		metrics:   metrics,
		pre:       c.Pre,
		infer:     c.Infer,
		act:       c.Act,
		vm:        invariant.NewVM(),
	}
	opts := []slot.ManagerOpt{slot.WithSwapListener(r.onSwap)}
	if cfg.Watchdog > 0 {
		opts = append(opts, slot.WithWatchdog(cfg.Watchdog))
	}
	r.slots = slot.NewManager(log, dev, opts...)
	r.bootVerify()
	return r, nil
}

// bootVerify repeats validation for the boot scan's pick, walking to the
// other bank when the pick fails. Defense against flash-level tampering
// between power cycles.
func (r *Runtime) bootVerify() {
	for {
		active := r.slots.Active()
		if !active.OK {
			r.journal.Record(journal.Event{Kind: journal.KindNoValidSlot})
			r.metrics.observeActive(nil)
			return
		}
		agent, err := r.loadAgent(active, r.policy)
		if err == nil {
			r.agent.Store(agent)
			r.metrics.observeActive(agent)
			r.journal.Record(journal.Event{
				Kind:    journal.KindBootScan,
				Agent:   agent.ID,
				Version: agent.Version.String(),
				Bank:    active.Bank.String(),
			})
			return
		}
		r.log.Error("boot re-verification failed, invalidating active slot",
			zap.String("bank", active.Bank.String()), zap.Error(err))
		r.journal.Record(journal.Event{
			Kind:   journal.KindActiveInvalidated,
			Bank:   active.Bank.String(),
			Detail: err.Error(),
		})
		if err := r.slots.InvalidateActive(); err != nil {
			r.log.Error("unable to invalidate active slot", zap.Error(err))
			r.agent.Store(nil)
			r.metrics.observeActive(nil)
			return
		}
	}
}

// loadAgent reads a bank, splits the persisted bundle and re-runs validation
// at the given strictness.
func (r *Runtime) loadAgent(active slot.ActiveSlot, policy manifest.BootPolicy) (*ActiveAgent, error) {
	payload, err := slot.ReadPayload(r.dev, active.Bank)
	if err != nil {
		return nil, err
	}
	bundle, err := manifest.DecodeBundle(payload)
	if err != nil {
		return nil, err
	}
	verified, err := r.validator.ReVerify(bundle.Manifest, bundle.Image, policy)
	if err != nil {
		return nil, err
	}
	img, err := manifest.ParseImage(verified.Image)
	if err != nil {
		return nil, err
	}
	return &ActiveAgent{
		ID:       verified.Body.Identity.ID,
		Name:     verified.Body.Identity.Name,
		Version:  active.Meta.Version,
		Bank:     active.Bank,
		Sequence: active.Meta.Sequence,
		Image:    img,
		Program:  verified.Program,
		Bindings: verified.Body.Safety.Bindings,
	}, nil
}

// onSwap refreshes the cached agent view after the slot manager flips or
// clears the indicator. Cycles already in progress keep their loaded view.
func (r *Runtime) onSwap(active slot.ActiveSlot) {
	if !active.OK {
		r.agent.Store(nil)
		r.resetVM.Store(true)
		r.metrics.observeActive(nil)
		return
	}
	// Content was verified during the update; integrity is enough here.
	agent, err := r.loadAgent(active, manifest.BootPolicyIntegrity)
	if err != nil {
		r.log.Error("unable to load swapped-in agent", zap.Error(err))
		r.agent.Store(nil)
		r.metrics.observeActive(nil)
		return
	}
	r.agent.Store(agent)
	r.resetVM.Store(true)
	r.metrics.observeActive(agent)
}

// Active returns the cached agent view, or nil when no valid agent is
// loaded.
func (r *Runtime) Active() *ActiveAgent {
	return r.agent.Load()
}

// ApplyUpdate validates a delivered (manifest, image) pair and, on accept,
// starts the update transaction. Accept, reject and busy are reported
// synchronously; the write/verify/activate phases run on a background
// goroutine and surface only through the journal and statistics. The active
// agent keeps running untouched throughout.
func (r *Runtime) ApplyUpdate(manifestBytes, imageBytes []byte) (*slot.Transaction, error) {
	verified, err := r.validator.Validate(manifestBytes, imageBytes)
	if err != nil {
		r.recordReject(err)
		return nil, err
	}
	version, err := slot.ParseVersion(verified.Body.Identity.Version)
	if err != nil {
		err = fmt.Errorf("%w: %w", manifest.ErrVerification, err)
		r.recordReject(err)
		return nil, err
	}
	payload, err := manifest.EncodeBundle(manifestBytes, imageBytes)
	if err != nil {
		r.recordReject(err)
		return nil, err
	}
	var sig [slot.SignatureLen]byte
	copy(sig[:], verified.Envelope.Sig.Signature)

	txn, err := r.slots.Begin(slot.Candidate{Payload: payload, Version: version, Signature: sig})
	if err != nil {
		if !errors.Is(err, slot.ErrBusy) {
			r.recordReject(err)
		}
		return nil, err
	}
	r.journal.Record(journal.Event{
		Kind:    journal.KindUpdateAccepted,
		Agent:   verified.Body.Identity.ID,
		Version: verified.Body.Identity.Version,
		Bank:    txn.Target.String(),
	})
	go r.runUpdate(txn, verified.Body.Identity)
	return txn, nil
}

func (r *Runtime) runUpdate(txn *slot.Transaction, id manifest.Identity) {
	err := r.slots.Run(txn)
	switch {
	case err == nil:
		r.metrics.updates.WithLabelValues("committed").Inc()
		r.journal.Record(journal.Event{
			Kind:    journal.KindUpdateCommitted,
			Agent:   id.ID,
			Version: id.Version,
			Bank:    txn.Target.String(),
		})
	case errors.Is(err, slot.ErrTimeout):
		r.metrics.updates.WithLabelValues("rolled_back").Inc()
		r.journal.Record(journal.Event{
			Kind:    journal.KindWatchdogTimeout,
			Agent:   id.ID,
			Version: id.Version,
			Bank:    txn.Target.String(),
		})
	default:
		r.metrics.updates.WithLabelValues("rolled_back").Inc()
		r.journal.Record(journal.Event{
			Kind:    journal.KindUpdateRolledBack,
			Agent:   id.ID,
			Version: id.Version,
			Bank:    txn.Target.String(),
			Detail:  err.Error(),
		})
	}
}

func (r *Runtime) recordReject(err error) {
	r.metrics.updates.WithLabelValues("rejected").Inc()
	r.journal.Record(journal.Event{Kind: journal.KindUpdateRejected, Detail: err.Error()})
}

// WatchdogCheck forwards to the slot manager. The daemon pumps this between
// control cycles.
func (r *Runtime) WatchdogCheck() {
	r.slots.WatchdogCheck()
}

// Slots exposes the slot manager for status tooling.
func (r *Runtime) Slots() *slot.Manager {
	return r.slots
}
