// Package flash models the device's two fixed agent banks. On real hardware
// these are memory-mapped flash sectors; here each bank is a fixed-size byte
// region inside a single backing image file so the on-disk layout matches the
// on-device layout byte for byte.
package flash

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// Bank identifies one of the two agent banks.
type Bank uint8

const (
	BankA Bank = 0
	BankB Bank = 1
)

func (b Bank) String() string {
	switch b {
	case BankA:
		return "A"
	case BankB:
		return "B"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(b))
	}
}

// Other returns the opposite bank.
func (b Bank) Other() Bank {
	if b == BankA {
		return BankB
	}
	return BankA
}

const (
	// RegionSize is the fixed size of one agent bank: payload followed by a
	// metadata trailer. The layout is byte-stable across runtime upgrades.
	RegionSize = 16 * 1024

	// erasedByte is the value NOR flash reads after an erase cycle.
	erasedByte = 0xFF
)

var (
	ErrInvalidBank = errors.New("invalid flash bank")
	ErrOutOfRange  = errors.New("access outside flash region")
)

// Device provides access to the two fixed regions. Implementations must not
// grow or shrink regions; every region is exactly RegionSize bytes.
type Device interface {
	// ReadRegion fills p from the given offset inside the bank.
	ReadRegion(bank Bank, off uint32, p []byte) error
	// WriteRegion writes p at the given offset inside the bank.
	WriteRegion(bank Bank, off uint32, p []byte) error
	// EraseRegion resets the whole bank to the erased state (0xFF).
	EraseRegion(bank Bank) error
}

type Config struct {
	// ImagePath is the backing file holding both banks back to back.
	ImagePath string `mapstructure:"image-path"`
}

// fileDevice keeps both banks in one backing file, bank A at offset 0 and
// bank B at offset RegionSize.
type fileDevice struct {
	f afero.File
}

// Open opens (or creates and pre-erases) the backing image on the given
// filesystem. Pass afero.NewOsFs() in production and afero.NewMemMapFs() in
// tests.
func Open(fs afero.Fs, path string) (Device, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("unable to open flash image %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != 2*RegionSize {
		// Fresh image: both banks erased, neither holds a valid agent.
		blank := make([]byte, 2*RegionSize)
		for i := range blank {
			blank[i] = erasedByte
		}
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.WriteAt(blank, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("unable to initialize flash image: %w", err)
		}
	}
	return &fileDevice{f: f}, nil
}

func checkRange(bank Bank, off uint32, n int) error {
	if bank != BankA && bank != BankB {
		return fmt.Errorf("%w: %d", ErrInvalidBank, bank)
	}
	if uint64(off)+uint64(n) > RegionSize {
		return fmt.Errorf("%w: off=%d len=%d", ErrOutOfRange, off, n)
	}
	return nil
}

func (d *fileDevice) ReadRegion(bank Bank, off uint32, p []byte) error {
	if err := checkRange(bank, off, len(p)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(p, int64(bank)*RegionSize+int64(off))
	return err
}

func (d *fileDevice) WriteRegion(bank Bank, off uint32, p []byte) error {
	if err := checkRange(bank, off, len(p)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(p, int64(bank)*RegionSize+int64(off))
	return err
}

func (d *fileDevice) EraseRegion(bank Bank) error {
	if err := checkRange(bank, 0, RegionSize); err != nil {
		return err
	}
	blank := make([]byte, RegionSize)
	for i := range blank {
		blank[i] = erasedByte
	}
	_, err := d.f.WriteAt(blank, int64(bank)*RegionSize)
	return err
}

// Close releases the backing file when the device supports it.
func Close(d Device) error {
	if fd, ok := d.(*fileDevice); ok {
		return fd.f.Close()
	}
	return nil
}
