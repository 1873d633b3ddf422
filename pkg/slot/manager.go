package slot

import (
	"context"
	"fmt"
	"path"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/plcforge/edgevault/pkg/flash"
	"go.uber.org/zap"
)

const (
	// DefaultWatchdog is how long a transaction may stay in a non-terminal
	// state before it is forcibly rolled back.
	DefaultWatchdog = 30 * time.Second

	// writeChunk bounds how much payload a single write call moves so a
	// long Writing phase interleaves with control cycles.
	writeChunk = 1024
)

// Candidate is a verified agent image headed for the inactive bank. The
// Manager never sees unverified bytes; validation happens before Begin.
type Candidate struct {
	Payload   []byte
	Version   Version
	Signature [SignatureLen]byte
}

// Transaction tracks one in-flight update. At most one exists at a time.
type Transaction struct {
	ID      uuid.UUID
	Target  flash.Bank
	Started time.Time

	cand      Candidate
	state     State
	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
	err       error
}

// State returns the transaction's current state. Safe to call only from the
// goroutine driving Run or after Done is closed.
func (t *Transaction) State() State { return t.state }

// Done is closed when the transaction reaches a terminal state.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Err reports why the transaction failed, or nil after Committed. Valid once
// Done is closed.
func (t *Transaction) Err() error { return t.err }

// Counters are the Manager's lifetime statistics, exposed read-only through
// the runtime's telemetry surface.
type Counters struct {
	Attempts      uint64
	Successes     uint64
	Failures      uint64
	LastUpdateUTC int64
}

// Manager owns the two flash banks and the active-slot indicator. Nothing
// else writes the banks; the validator and the invariant VM are read-only
// with respect to slot content.
type Manager struct {
	log *zap.Logger
	dev flash.Device

	// active is flipped with a single compare-and-swap during Activating so
	// a crash mid-update is always recoverable by the boot scan.
	active atomic.Pointer[ActiveSlot]

	mu  sync.Mutex
	txn *Transaction

	now      func() time.Time
	watchdog time.Duration

	attempts   atomic.Uint64
	successes  atomic.Uint64
	failures   atomic.Uint64
	lastUpdate atomic.Int64

	onSwap func(ActiveSlot)
}

type ManagerOpt func(*Manager)

// WithClock substitutes the time source, used by tests to drive the watchdog
// deterministically.
func WithClock(now func() time.Time) ManagerOpt {
	return func(m *Manager) { m.now = now }
}

// WithWatchdog overrides the transaction deadline.
func WithWatchdog(d time.Duration) ManagerOpt {
	return func(m *Manager) { m.watchdog = d }
}

// WithSwapListener registers a callback invoked after every indicator change
// (activation or rollback). The runtime uses it to refresh its cached agent
// view instead of re-resolving every cycle.
func WithSwapListener(fn func(ActiveSlot)) ManagerOpt {
	return func(m *Manager) { m.onSwap = fn }
}

// NewManager scans flash and takes ownership of both banks.
func NewManager(log *zap.Logger, dev flash.Device, opts ...ManagerOpt) *Manager {
	m := &Manager{
		log:      log.With(zap.String("component", path.Base(reflect.TypeOf(Manager{}).PkgPath()))),
		dev:      dev,
		now:      time.Now,
		watchdog: DefaultWatchdog,
	}
	for _, opt := range opts {
		opt(m)
	}
	initial := Scan(dev)
	m.active.Store(&initial)
	if initial.OK {
		m.log.Info("boot scan selected active slot",
			zap.String("bank", initial.Bank.String()),
			zap.String("version", initial.Meta.Version.String()),
			zap.Uint64("sequence", initial.Meta.Sequence))
	} else {
		m.log.Warn("boot scan found no valid slot, actuation held at safe default")
	}
	return m
}

// Active returns the current active-slot indicator.
func (m *Manager) Active() ActiveSlot {
	return *m.active.Load()
}

// Stats returns a snapshot of the update counters.
func (m *Manager) Stats() Counters {
	return Counters{
		Attempts:      m.attempts.Load(),
		Successes:     m.successes.Load(),
		Failures:      m.failures.Load(),
		LastUpdateUTC: m.lastUpdate.Load(),
	}
}

// InvalidateActive clears the active bank's magic and re-derives the
// indicator. The runtime calls this when boot-time re-verification of the
// active slot fails (flash-level tampering between power cycles).
func (m *Manager) InvalidateActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.active.Load()
	if !cur.OK {
		return ErrNoValidSlot
	}
	if err := m.invalidateBank(cur.Bank); err != nil {
		return err
	}
	rescanned := Scan(m.dev)
	m.active.Store(&rescanned)
	m.notifySwap(rescanned)
	m.log.Warn("active slot invalidated",
		zap.String("bank", cur.Bank.String()),
		zap.Bool("replacementFound", rescanned.OK))
	return nil
}

// Begin validates the busy rule and starts a transaction for a verified
// candidate. It returns synchronously once the candidate is accepted; the
// caller drives the remaining phases with Run, typically on a background
// goroutine so control cycles continue against the current active slot.
func (m *Manager) Begin(cand Candidate) (*Transaction, error) {
	if len(cand.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if uint64(len(cand.Payload)) > PayloadCapacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(cand.Payload), PayloadCapacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The transaction slot is cleared by commit, rollback, or reject, so a
	// non-nil pointer always means an update is still in flight.
	if m.txn != nil {
		return nil, ErrBusy
	}
	m.attempts.Add(1)

	// With no valid slot both banks are writable; bank A is the
	// deterministic first target.
	target := flash.BankA
	if cur := m.active.Load(); cur.OK {
		target = cur.Bank.Other()
	}
	ctx, cancel := context.WithCancel(context.Background())
	txn := &Transaction{
		ID:        uuid.New(),
		Target:    target,
		Started:   m.now(),
		cand:      cand,
		state:     StateValidating,
		ctx:       ctx,
		ctxCancel: cancel,
		done:      make(chan struct{}),
	}
	// Validation is the caller's responsibility and has already passed, so
	// the accepted event fires immediately. The state still passes through
	// Validating so the FSM trace is complete.
	next, _, err := Transition(txn.state, EventAccepted)
	if err != nil {
		cancel()
		return nil, err
	}
	m.logTransition(txn, next)
	txn.state = next
	m.txn = txn
	return txn, nil
}

// Reject destroys a never-written transaction after a validation failure.
// This is not a rollback: no slot state was mutated.
func (m *Manager) Reject(txn *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txn == txn {
		m.txn = nil
	}
	m.failures.Add(1)
	txn.finish(nil)
}

// Run drives the transaction through Writing, Verifying, Activating and
// Committed, applying effects as the FSM demands. It blocks until a terminal
// state is reached.
func (m *Manager) Run(txn *Transaction) error {
	for !txn.state.Terminal() {
		ev := m.execute(txn)
		next, effect, err := Transition(txn.state, ev)
		if err != nil {
			// Unreachable with a well-formed driver; treat as failure.
			m.log.Error("transaction driver error", zap.Error(err))
			next, effect = StateRolledBack, EffectRollback
		}
		m.logTransition(txn, next)
		txn.state = next
		switch effect {
		case EffectRollback:
			m.rollback(txn)
		case EffectCommit:
			m.commit(txn)
		}
	}
	return txn.err
}

// WatchdogCheck forces a rollback when the in-flight transaction has been
// running longer than the watchdog allows. The runtime pumps this between
// control cycles.
func (m *Manager) WatchdogCheck() {
	m.mu.Lock()
	txn := m.txn
	m.mu.Unlock()
	if txn == nil {
		return
	}
	if m.now().Sub(txn.Started) > m.watchdog {
		m.log.Warn("watchdog expired, cancelling update transaction",
			zap.String("txn", txn.ID.String()),
			zap.Duration("elapsed", m.now().Sub(txn.Started)))
		txn.ctxCancel()
	}
}

// execute performs the work of the current phase and reports the resulting
// event. Each phase checks the transaction context so a watchdog cancel takes
// effect at the next chunk boundary; there is no partial cancel, the written
// bank is discarded wholesale by the rollback effect.
func (m *Manager) execute(txn *Transaction) Event {
	if m.timedOut(txn) {
		txn.err = ErrTimeout
		return EventTimeout
	}
	switch txn.state {
	case StateWriting:
		if err := m.writePhase(txn); err != nil {
			if txn.err == nil {
				txn.err = err
			}
			if txn.err == ErrTimeout {
				return EventTimeout
			}
			return EventFailed
		}
		return EventWritten
	case StateVerifying:
		if err := m.verifyPhase(txn); err != nil {
			txn.err = err
			return EventFailed
		}
		return EventVerified
	case StateActivating:
		if err := m.activatePhase(txn); err != nil {
			txn.err = err
			return EventFailed
		}
		return EventActivated
	default:
		txn.err = fmt.Errorf("transaction driver reached unexpected state %s", txn.state)
		return EventFailed
	}
}

func (m *Manager) timedOut(txn *Transaction) bool {
	if txn.ctx.Err() != nil {
		return true
	}
	return m.now().Sub(txn.Started) > m.watchdog
}

func (m *Manager) writePhase(txn *Transaction) error {
	if err := m.dev.EraseRegion(txn.Target); err != nil {
		return fmt.Errorf("unable to erase bank %s: %w", txn.Target, err)
	}
	payload := txn.cand.Payload
	for off := 0; off < len(payload); off += writeChunk {
		if m.timedOut(txn) {
			txn.err = ErrTimeout
			return ErrTimeout
		}
		end := off + writeChunk
		if end > len(payload) {
			end = len(payload)
		}
		if err := m.dev.WriteRegion(txn.Target, uint32(off), payload[off:end]); err != nil {
			return fmt.Errorf("unable to write bank %s: %w", txn.Target, err)
		}
	}
	seq := uint64(1)
	if cur := m.active.Load(); cur.OK {
		seq = cur.Meta.Sequence + 1
	}
	meta := Metadata{
		MagicNum:    Magic,
		Version:     txn.cand.Version,
		PayloadSize: uint32(len(payload)),
		CRC32:       Checksum(payload),
		Sequence:    seq,
		Timestamp:   m.now().Unix(),
		Signature:   txn.cand.Signature,
	}
	if err := writeMetadata(m.dev, txn.Target, meta); err != nil {
		return fmt.Errorf("unable to write trailer for bank %s: %w", txn.Target, err)
	}
	return nil
}

func (m *Manager) verifyPhase(txn *Transaction) error {
	meta, err := readMetadata(m.dev, txn.Target)
	if err != nil {
		return fmt.Errorf("%w: unable to re-read trailer: %w", ErrCorruption, err)
	}
	if meta.MagicNum != Magic || meta.PayloadSize > PayloadCapacity {
		return fmt.Errorf("%w: trailer invalid after write", ErrCorruption)
	}
	payload := make([]byte, meta.PayloadSize)
	if err := m.dev.ReadRegion(txn.Target, 0, payload); err != nil {
		return fmt.Errorf("%w: unable to re-read payload: %w", ErrCorruption, err)
	}
	if got := Checksum(payload); got != meta.CRC32 {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorruption, meta.CRC32, got)
	}
	return nil
}

func (m *Manager) activatePhase(txn *Transaction) error {
	meta, err := readMetadata(m.dev, txn.Target)
	if err != nil {
		return err
	}
	old := m.active.Load()
	fresh := &ActiveSlot{Bank: txn.Target, Meta: meta, OK: true}
	// Single compare-and-swap: a cycle already in progress keeps its stable
	// view, cycles starting after this point observe the new slot.
	if !m.active.CompareAndSwap(old, fresh) {
		return fmt.Errorf("active slot changed during activation")
	}
	m.notifySwap(*fresh)
	return nil
}

func (m *Manager) commit(txn *Transaction) {
	m.mu.Lock()
	if m.txn == txn {
		m.txn = nil
	}
	m.mu.Unlock()
	m.successes.Add(1)
	m.lastUpdate.Store(m.now().Unix())
	cur := m.active.Load()
	m.log.Info("update committed",
		zap.String("txn", txn.ID.String()),
		zap.String("bank", cur.Bank.String()),
		zap.String("version", cur.Meta.Version.String()),
		zap.Uint64("sequence", cur.Meta.Sequence))
	txn.finish(nil)
}

// rollback restores the last known-good indicator and invalidates the failed
// candidate bank so the boot scan never selects it. The previously active
// bank was never touched, so restoring is pointer-only.
func (m *Manager) rollback(txn *Transaction) {
	if err := m.invalidateBank(txn.Target); err != nil {
		m.log.Error("unable to invalidate failed candidate bank",
			zap.String("bank", txn.Target.String()), zap.Error(err))
	}
	cur := m.active.Load()
	if cur.OK && cur.Bank == txn.Target {
		// Activation already flipped; point back at the previous bank.
		restored := Scan(m.dev)
		m.active.Store(&restored)
		m.notifySwap(restored)
	}
	m.mu.Lock()
	if m.txn == txn {
		m.txn = nil
	}
	m.mu.Unlock()
	m.failures.Add(1)
	m.log.Warn("update rolled back",
		zap.String("txn", txn.ID.String()),
		zap.String("bank", txn.Target.String()),
		zap.Error(txn.err))
	txn.finish(txn.err)
}

// invalidateBank clears the trailer magic, leaving the payload in place. The
// bank fails the boot scan's magic check from now on.
func (m *Manager) invalidateBank(bank flash.Bank) error {
	meta, err := readMetadata(m.dev, bank)
	if err != nil {
		return err
	}
	meta.MagicNum = 0
	return writeMetadata(m.dev, bank, meta)
}

func (m *Manager) notifySwap(s ActiveSlot) {
	if m.onSwap != nil {
		m.onSwap(s)
	}
}

func (m *Manager) logTransition(txn *Transaction, next State) {
	m.log.Info("transaction state update",
		zap.String("txn", txn.ID.String()),
		zap.String("oldState", txn.state.String()),
		zap.String("newState", next.String()))
}

func (t *Transaction) finish(err error) {
	if t.err == nil {
		t.err = err
	}
	t.ctxCancel()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}
