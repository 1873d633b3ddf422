package slot

// The slot metadata trailer definition. One trailer sits at the end of each
// flash bank, after the agent payload. The layout is byte-stable: rollback
// across runtime upgrades depends on older firmware being able to parse
// trailers written by newer firmware and vice versa.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/plcforge/edgevault/pkg/flash"
)

const (
	// MetadataLen is the fixed trailer size in bytes.
	MetadataLen = 128
	// Magic identifies a bank that has completed a write transaction.
	Magic = 0xEDE9F1A6
	// SignatureLen is the ed25519 signature copy carried in the trailer.
	SignatureLen = 64
	// PayloadCapacity is the maximum agent image size a bank can hold.
	PayloadCapacity = flash.RegionSize - MetadataLen
	// metadataOff is the trailer offset inside a bank.
	metadataOff = flash.RegionSize - MetadataLen
)

// Metadata is the per-bank trailer.
type Metadata struct {
	// Fixed value identifying a written bank (see const Magic). Cleared to
	// invalidate a bank without erasing the payload.
	MagicNum uint32
	// Packed semantic version of the agent held by the bank.
	Version Version
	// Agent payload length in bytes, always <= PayloadCapacity.
	PayloadSize uint32
	// CRC32 (IEEE) over the payload bytes.
	CRC32 uint32
	// Monotonic update sequence. The boot scan prefers the higher sequence
	// when both banks are valid.
	Sequence uint64
	// Unix timestamp of the write transaction that produced this bank.
	Timestamp int64
	// Copy of the manifest signature for offline audit.
	Signature [SignatureLen]byte
}

// Version is a packed semantic version.
type Version uint32

func NewVersion(major, minor, patch uint8) Version {
	return Version(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

func (v Version) Major() uint8 { return uint8(v >> 16) }
func (v Version) Minor() uint8 { return uint8(v >> 8) }
func (v Version) Patch() uint8 { return uint8(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// ParseVersion parses a "major.minor.patch" string. Each component must fit
// in a byte.
func ParseVersion(s string) (Version, error) {
	var major, minor, patch uint8
	n, err := fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &patch)
	if err != nil || n != 3 {
		return 0, fmt.Errorf("invalid version string %q", s)
	}
	return NewVersion(major, minor, patch), nil
}

// Serialize encodes the trailer into its fixed 128-byte little-endian layout.
// Bytes past the signature are reserved and left erased (0xFF).
func (m *Metadata) Serialize() [MetadataLen]byte {
	var out [MetadataLen]byte
	binary.LittleEndian.PutUint32(out[0:4], m.MagicNum)
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.Version))
	binary.LittleEndian.PutUint32(out[8:12], m.PayloadSize)
	binary.LittleEndian.PutUint32(out[12:16], m.CRC32)
	binary.LittleEndian.PutUint64(out[16:24], m.Sequence)
	binary.LittleEndian.PutUint64(out[24:32], uint64(m.Timestamp))
	copy(out[32:96], m.Signature[:])
	for i := 96; i < MetadataLen; i++ {
		out[i] = 0xFF
	}
	return out
}

// Deserialize decodes a trailer from its serialized form.
func (m *Metadata) Deserialize(in []byte) error {
	if len(in) != MetadataLen {
		return fmt.Errorf("serialized metadata must be %d bytes, got %d", MetadataLen, len(in))
	}
	m.MagicNum = binary.LittleEndian.Uint32(in[0:4])
	m.Version = Version(binary.LittleEndian.Uint32(in[4:8]))
	m.PayloadSize = binary.LittleEndian.Uint32(in[8:12])
	m.CRC32 = binary.LittleEndian.Uint32(in[12:16])
	m.Sequence = binary.LittleEndian.Uint64(in[16:24])
	m.Timestamp = int64(binary.LittleEndian.Uint64(in[24:32]))
	copy(m.Signature[:], in[32:96])
	return nil
}

// IsSerializedMetadata checks the given slice for being a serialized trailer
// written by a completed transaction.
func IsSerializedMetadata(b []byte) bool {
	return len(b) == MetadataLen && binary.LittleEndian.Uint32(b[0:4]) == Magic
}

// Checksum computes the payload CRC stored in the trailer.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

func readMetadata(dev flash.Device, bank flash.Bank) (Metadata, error) {
	buf := make([]byte, MetadataLen)
	if err := dev.ReadRegion(bank, metadataOff, buf); err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := m.Deserialize(buf); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func writeMetadata(dev flash.Device, bank flash.Bank, m Metadata) error {
	ser := m.Serialize()
	return dev.WriteRegion(bank, metadataOff, ser[:])
}
