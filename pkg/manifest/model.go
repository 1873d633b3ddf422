// Package manifest defines the signed agent manifest, the agent image
// container, and the validator that gates both before anything touches a
// flash bank. The wire encoding is deterministic CBOR so a body hashes to the
// same digest on every platform that handles it.
package manifest

import (
	"fmt"

	"github.com/plcforge/edgevault/pkg/invariant"
)

// Scope selects which byte ranges feed the signature digest. It is a closed
// enum rather than independent flags so illegal combinations cannot be
// expressed.
type Scope uint8

const (
	// ScopeManifest covers the manifest body only.
	ScopeManifest Scope = 1
	// ScopeModel covers the body plus the image's model section.
	ScopeModel Scope = 2
	// ScopeCode covers the body plus the preprocess and actuate sections.
	ScopeCode Scope = 3
	// ScopeFull covers the body plus the entire image.
	ScopeFull Scope = 4
)

func (s Scope) String() string {
	switch s {
	case ScopeManifest:
		return "MANIFEST"
	case ScopeModel:
		return "MODEL"
	case ScopeCode:
		return "CODE"
	case ScopeFull:
		return "FULL"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// ParseScope maps the signing tool's scope names to the enum.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "MANIFEST":
		return ScopeManifest, nil
	case "MODEL":
		return ScopeModel, nil
	case "CODE":
		return ScopeCode, nil
	case "FULL":
		return ScopeFull, nil
	}
	return 0, fmt.Errorf("unknown signature scope %q", s)
}

// Vendor identifies who produced an agent.
type Vendor struct {
	Name    string `cbor:"1,keyasint"`
	ID      string `cbor:"2,keyasint"`
	Contact string `cbor:"3,keyasint,omitempty"`
}

// Identity names one agent release.
type Identity struct {
	ID      string `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
	Version string `cbor:"3,keyasint"`
	Vendor  Vendor `cbor:"4,keyasint"`
}

// SafetySpec carries the declarative safety rules, the channel bindings they
// were compiled against, and the resulting program. The program is compiled
// by the signing pipeline; the device only re-validates it.
type SafetySpec struct {
	Level    string               `cbor:"1,keyasint"`
	Rules    []invariant.RuleSpec `cbor:"2,keyasint"`
	Bindings invariant.Bindings   `cbor:"3,keyasint"`
	FailSafe float64              `cbor:"4,keyasint"`
	Program  invariant.Program    `cbor:"5,keyasint"`
}

// ResourceBudget is the agent's declared resource claim, checked against the
// device's compiled-in capacity.
type ResourceBudget struct {
	FlashBytes     uint32 `cbor:"1,keyasint"`
	SRAMBytes      uint32 `cbor:"2,keyasint"`
	MaxInferenceUS uint32 `cbor:"3,keyasint"`
}

// Body is everything the signature covers. ImageDigest is SHA-512 over the
// full image bytes.
type Body struct {
	Identity    Identity       `cbor:"1,keyasint"`
	Safety      SafetySpec     `cbor:"2,keyasint"`
	Resources   ResourceBudget `cbor:"3,keyasint"`
	ImageDigest []byte         `cbor:"4,keyasint"`
	ImageSize   uint32         `cbor:"5,keyasint"`
}

// SignatureBlock is the detached signature over the scope-selected digest.
type SignatureBlock struct {
	Algorithm string `cbor:"1,keyasint"`
	Scope     Scope  `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
	KeyID     string `cbor:"4,keyasint"`
	Timestamp int64  `cbor:"5,keyasint"`
	Signer    string `cbor:"6,keyasint,omitempty"`
}

// Envelope is the outer manifest container. Body stays raw so verification
// hashes the exact bytes that were signed, not a re-encoding.
type Envelope struct {
	Body []byte         `cbor:"1,keyasint"`
	Sig  SignatureBlock `cbor:"2,keyasint"`
}
