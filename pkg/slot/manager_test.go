package slot

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/plcforge/edgevault/pkg/flash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// corruptingDevice flips payload bytes as they land in flash, simulating bit
// rot between the CRC computation and the physical write.
type corruptingDevice struct {
	flash.Device
	target   flash.Bank
	injected int
	rng      *rand.Rand
	// rate is the per-write probability of injecting a flip; 1.0 corrupts
	// the first payload write deterministically.
	rate float64
	armed bool
}

func (d *corruptingDevice) WriteRegion(bank flash.Bank, off uint32, p []byte) error {
	if d.armed && bank == d.target && len(p) > 0 && off < PayloadCapacity {
		if d.rate >= 1.0 || d.rng.Float64() < d.rate {
			mutated := make([]byte, len(p))
			copy(mutated, p)
			mutated[0] ^= 0x01
			d.injected++
			if d.rate >= 1.0 {
				d.armed = false
			}
			return d.Device.WriteRegion(bank, off, mutated)
		}
	}
	return d.Device.WriteRegion(bank, off, p)
}

func testCandidate(version Version, payload string) Candidate {
	return Candidate{Payload: []byte(payload), Version: version}
}

func applyUpdate(t *testing.T, m *Manager, cand Candidate) error {
	t.Helper()
	txn, err := m.Begin(cand)
	if err != nil {
		return err
	}
	return m.Run(txn)
}

// Scenario: bank A active at sequence 100 holding v1.0; a valid v1.1
// candidate lands in bank B at sequence 101, survives reboot.
func TestUpdateCommitAndReboot(t *testing.T) {
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("agent v1.0"), NewVersion(1, 0, 0), 100)

	m := NewManager(zap.NewNop(), dev)
	require.Equal(t, flash.BankA, m.Active().Bank)

	require.NoError(t, applyUpdate(t, m, testCandidate(NewVersion(1, 1, 0), "agent v1.1")))

	active := m.Active()
	assert.Equal(t, flash.BankB, active.Bank)
	assert.Equal(t, "1.1.0", active.Meta.Version.String())
	assert.Equal(t, uint64(101), active.Meta.Sequence)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Attempts)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Equal(t, uint64(0), stats.Failures)

	// Reboot: a fresh scan of the same flash selects the committed bank.
	rebooted := Scan(dev)
	require.True(t, rebooted.OK)
	assert.Equal(t, flash.BankB, rebooted.Bank)
	assert.Equal(t, "1.1.0", rebooted.Meta.Version.String())
}

// Scenario: corruption injected during Writing is caught by Verifying and
// rollback leaves the previously active bank bit-for-bit untouched.
func TestCorruptionDetectedAndRolledBack(t *testing.T) {
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("agent v1.0"), NewVersion(1, 0, 0), 100)
	before, err := readMetadata(dev, flash.BankA)
	require.NoError(t, err)

	corrupting := &corruptingDevice{Device: dev, target: flash.BankB, rate: 1.0, armed: true}
	m := NewManager(zap.NewNop(), corrupting)

	err = applyUpdate(t, m, testCandidate(NewVersion(1, 1, 0), "agent v1.1"))
	require.ErrorIs(t, err, ErrCorruption)

	// The indicator stayed on A and A's trailer is exactly what it was.
	active := m.Active()
	require.True(t, active.OK)
	assert.Equal(t, flash.BankA, active.Bank)
	after, err := readMetadata(dev, flash.BankA)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rollback must leave the active trailer bit-for-bit intact")

	// The failed candidate bank must never pass a boot scan.
	rebooted := Scan(dev)
	require.True(t, rebooted.OK)
	assert.Equal(t, flash.BankA, rebooted.Bank)
	assert.Equal(t, uint64(100), rebooted.Meta.Sequence)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, uint64(0), stats.Successes)
}

func TestSecondUpdateRejectedBusy(t *testing.T) {
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("agent v1.0"), NewVersion(1, 0, 0), 1)
	m := NewManager(zap.NewNop(), dev)

	txn, err := m.Begin(testCandidate(NewVersion(1, 1, 0), "agent v1.1"))
	require.NoError(t, err)

	_, err = m.Begin(testCandidate(NewVersion(1, 2, 0), "agent v1.2"))
	assert.ErrorIs(t, err, ErrBusy, "concurrent updates are rejected, never queued")

	require.NoError(t, m.Run(txn))

	// After commit the manager accepts new transactions again.
	txn2, err := m.Begin(testCandidate(NewVersion(1, 2, 0), "agent v1.2"))
	require.NoError(t, err)
	require.NoError(t, m.Run(txn2))
}

func TestOversizedCandidateRejected(t *testing.T) {
	dev := newTestDevice(t)
	m := NewManager(zap.NewNop(), dev)

	_, err := m.Begin(Candidate{Payload: make([]byte, PayloadCapacity+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, uint64(0), m.Stats().Attempts)
}

func TestEmptyCandidateRejected(t *testing.T) {
	dev := newTestDevice(t)
	m := NewManager(zap.NewNop(), dev)

	_, err := m.Begin(Candidate{Version: NewVersion(1, 0, 0)})
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Equal(t, uint64(0), m.Stats().Attempts)
	assert.False(t, m.Active().OK)
}

func TestWatchdogForcesRollback(t *testing.T) {
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("agent v1.0"), NewVersion(1, 0, 0), 1)

	clock := newFakeClock()
	m := NewManager(zap.NewNop(), dev, WithClock(clock.Now), WithWatchdog(30*time.Second))

	txn, err := m.Begin(testCandidate(NewVersion(1, 1, 0), "agent v1.1"))
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	m.WatchdogCheck()

	err = m.Run(txn)
	assert.ErrorIs(t, err, ErrTimeout)

	active := m.Active()
	require.True(t, active.OK)
	assert.Equal(t, flash.BankA, active.Bank, "rollback target is the last known-good bank")
	assert.Equal(t, uint64(1), m.Stats().Failures)
}

func TestRejectDestroysTransactionWithoutRollback(t *testing.T) {
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("agent v1.0"), NewVersion(1, 0, 0), 42)
	before, err := readMetadata(dev, flash.BankA)
	require.NoError(t, err)
	bBefore, err := readMetadata(dev, flash.BankB)
	require.NoError(t, err)

	m := NewManager(zap.NewNop(), dev)
	txn, err := m.Begin(testCandidate(NewVersion(9, 9, 9), "rejected agent"))
	require.NoError(t, err)
	m.Reject(txn)

	// Nothing was written to either bank, and retry is possible.
	after, err := readMetadata(dev, flash.BankA)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	bAfter, err := readMetadata(dev, flash.BankB)
	require.NoError(t, err)
	assert.Equal(t, bBefore, bAfter)

	_, err = m.Begin(testCandidate(NewVersion(1, 1, 0), "agent v1.1"))
	assert.NoError(t, err)
}

func TestInvalidateActiveFallsBackToOtherBank(t *testing.T) {
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("agent v1.0"), NewVersion(1, 0, 0), 100)
	writeBank(t, dev, flash.BankB, []byte("agent v1.1"), NewVersion(1, 1, 0), 101)

	var swaps []ActiveSlot
	m := NewManager(zap.NewNop(), dev, WithSwapListener(func(s ActiveSlot) {
		swaps = append(swaps, s)
	}))
	require.Equal(t, flash.BankB, m.Active().Bank)

	require.NoError(t, m.InvalidateActive())
	active := m.Active()
	require.True(t, active.OK)
	assert.Equal(t, flash.BankA, active.Bank)
	require.Len(t, swaps, 1)

	require.NoError(t, m.InvalidateActive())
	assert.False(t, m.Active().OK, "both banks invalidated leaves no runnable agent")

	err := m.InvalidateActive()
	assert.ErrorIs(t, err, ErrNoValidSlot)
}

// Stress: many consecutive successful updates must leave exactly one valid
// active bank at every step, alternating physical banks.
func TestConsecutiveUpdateStress(t *testing.T) {
	const updates = 1000
	dev := newTestDevice(t)
	m := NewManager(zap.NewNop(), dev)

	for i := 0; i < updates; i++ {
		payload := fmt.Sprintf("agent build %d", i)
		err := applyUpdate(t, m, testCandidate(NewVersion(1, 0, uint8(i%250)), payload))
		require.NoError(t, err, "update %d", i)

		active := m.Active()
		require.True(t, active.OK)
		require.Equal(t, uint64(i+1), active.Meta.Sequence)

		// Exactly one bank may win the scan; the loser is either invalid
		// (first update) or strictly older.
		scanned := Scan(dev)
		require.True(t, scanned.OK)
		require.Equal(t, active.Bank, scanned.Bank)
		if otherMeta, ok := validBank(dev, active.Bank.Other()); ok {
			require.Less(t, otherMeta.Sequence, active.Meta.Sequence)
		}
	}
	stats := m.Stats()
	assert.Equal(t, uint64(updates), stats.Successes)
	assert.Equal(t, uint64(0), stats.Failures)
}

// Chaos: random corruption of written payload bytes is always either
// detected (rollback) or absent (commit); a corrupted image never becomes
// the active slot.
func TestChaosCorruptionNeverActivates(t *testing.T) {
	const attempts = 200
	dev := newTestDevice(t)
	writeBank(t, dev, flash.BankA, []byte("golden agent"), NewVersion(1, 0, 0), 1)

	corrupting := &corruptingDevice{
		Device: dev,
		rate:   0.05,
		rng:    rand.New(rand.NewSource(0xED6E)),
		armed:  true,
	}
	m := NewManager(zap.NewNop(), corrupting)

	detected := 0
	for i := 0; i < attempts; i++ {
		corrupting.target = m.Active().Bank.Other()
		payload := fmt.Sprintf("candidate %d padded to a few chunks %s", i, string(make([]byte, 4096)))
		injectedBefore := corrupting.injected
		err := applyUpdate(t, m, testCandidate(NewVersion(1, 0, 1), payload))
		if corrupting.injected > injectedBefore {
			require.ErrorIs(t, err, ErrCorruption, "attempt %d: injected corruption must be detected", i)
			detected++
		} else {
			require.NoError(t, err, "attempt %d", i)
		}

		// Regardless of outcome the active slot must re-verify cleanly.
		active := m.Active()
		require.True(t, active.OK)
		_, ok := validBank(dev, active.Bank)
		require.True(t, ok, "attempt %d: active bank failed re-validation", i)
	}
	require.Greater(t, detected, 0, "chaos run never injected corruption; lower the rate threshold")
	assert.Equal(t, uint64(detected), m.Stats().Failures)
}

func TestFirstUpdateWithNoValidSlot(t *testing.T) {
	dev := newTestDevice(t)
	m := NewManager(zap.NewNop(), dev)
	require.False(t, m.Active().OK)

	require.NoError(t, applyUpdate(t, m, testCandidate(NewVersion(1, 0, 0), "first agent")))
	active := m.Active()
	require.True(t, active.OK)
	assert.Equal(t, flash.BankA, active.Bank)
	assert.Equal(t, uint64(1), active.Meta.Sequence)
}
