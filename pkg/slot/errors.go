package slot

import "errors"

var (
	// ErrBusy is returned when an update is requested while another
	// transaction is still in flight. Requests are rejected, never queued.
	ErrBusy = errors.New("update transaction already in progress")
	// ErrCorruption indicates a CRC mismatch at write-verify or boot scan.
	ErrCorruption = errors.New("payload checksum mismatch")
	// ErrTimeout indicates the watchdog forced a rollback.
	ErrTimeout = errors.New("update transaction exceeded watchdog deadline")
	// ErrNoValidSlot indicates neither bank holds a runnable agent.
	ErrNoValidSlot = errors.New("no valid agent slot")
	// ErrPayloadTooLarge indicates the candidate exceeds bank capacity.
	ErrPayloadTooLarge = errors.New("agent payload exceeds slot capacity")
	// ErrEmptyPayload rejects zero-length candidates, which would
	// otherwise pass write-verify (the CRC of nothing is well defined) and
	// activate an empty bank.
	ErrEmptyPayload = errors.New("agent payload is empty")
)
