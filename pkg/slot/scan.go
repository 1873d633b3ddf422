package slot

import "github.com/plcforge/edgevault/pkg/flash"

// ActiveSlot is the single logical pointer to the bank holding the runnable
// agent. It is owned exclusively by the Manager and handed to callers by
// value; at any instant exactly zero or one bank is active.
type ActiveSlot struct {
	Bank flash.Bank
	Meta Metadata
	// OK is false when neither bank holds a valid agent. The runtime then
	// holds actuation at the safe default until an update is delivered.
	OK bool
}

// validBank reports whether the bank passes the integrity rule: trailer magic
// matches, the declared size fits the bank, and the payload CRC matches the
// stored value.
func validBank(dev flash.Device, bank flash.Bank) (Metadata, bool) {
	meta, err := readMetadata(dev, bank)
	if err != nil || meta.MagicNum != Magic {
		return Metadata{}, false
	}
	if meta.PayloadSize > PayloadCapacity {
		return Metadata{}, false
	}
	payload := make([]byte, meta.PayloadSize)
	if err := dev.ReadRegion(bank, 0, payload); err != nil {
		return Metadata{}, false
	}
	if Checksum(payload) != meta.CRC32 {
		return Metadata{}, false
	}
	return meta, true
}

// Scan re-derives the active slot from flash alone. It runs at every power-on
// and after a rollback; it never mutates flash.
//
// Selection rule: among valid banks the greater sequence wins; a single valid
// bank wins regardless of sequence. When both banks report the same sequence
// (possible with a non-monotonic clock across an update) bank A is preferred,
// deterministically.
func Scan(dev flash.Device) ActiveSlot {
	metaA, okA := validBank(dev, flash.BankA)
	metaB, okB := validBank(dev, flash.BankB)

	switch {
	case okA && okB:
		if metaB.Sequence > metaA.Sequence {
			return ActiveSlot{Bank: flash.BankB, Meta: metaB, OK: true}
		}
		return ActiveSlot{Bank: flash.BankA, Meta: metaA, OK: true}
	case okA:
		return ActiveSlot{Bank: flash.BankA, Meta: metaA, OK: true}
	case okB:
		return ActiveSlot{Bank: flash.BankB, Meta: metaB, OK: true}
	default:
		return ActiveSlot{}
	}
}

// ReadPayload returns the payload bytes of the given bank according to its
// trailer. The caller must have established validity first (boot scan or
// write-verify).
func ReadPayload(dev flash.Device, bank flash.Bank) ([]byte, error) {
	meta, err := readMetadata(dev, bank)
	if err != nil {
		return nil, err
	}
	if meta.PayloadSize > PayloadCapacity {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, meta.PayloadSize)
	if err := dev.ReadRegion(bank, 0, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
