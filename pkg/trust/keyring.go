// Package trust maintains the device's ed25519 trust anchors and verifies
// manifest signatures against them. Anchors are provisioned out of band as a
// YAML keyring file; nothing in this package can add an anchor at runtime.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// AlgEd25519 is the only signature algorithm the runtime accepts.
const AlgEd25519 = "ed25519"

var (
	ErrUnknownKey   = errors.New("signature references unknown key")
	ErrRevokedKey   = errors.New("signing key has been revoked")
	ErrBadSignature = errors.New("signature verification failed")
	ErrBadAlgorithm = errors.New("unsupported signature algorithm")
	ErrBadKeySize   = errors.New("invalid ed25519 key size")
	ErrDuplicateKey = errors.New("duplicate key id in keyring")
)

// Anchor is one provisioned trust anchor. The YAML form carries the public
// key hex encoded:
//
//	anchors:
//	  - id: vendor-root
//	    label: Vendor release key
//	    public-key: 3b6a27bc...
//	  - label: Integrator key
//	    public-key: 59f02cde...
//	    revoked: true
//
// When id is omitted it is derived from the public key.
type Anchor struct {
	ID        string
	Label     string
	PublicKey ed25519.PublicKey
	Revoked   bool
}

func (a *Anchor) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID        string `yaml:"id"`
		Label     string `yaml:"label"`
		PublicKey string `yaml:"public-key"`
		Revoked   bool   `yaml:"revoked"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	key, err := hex.DecodeString(raw.PublicKey)
	if err != nil {
		return fmt.Errorf("anchor %q: public key is not valid hex: %w", raw.ID, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("anchor %q: %w: got %d bytes, want %d",
			raw.ID, ErrBadKeySize, len(key), ed25519.PublicKeySize)
	}
	a.ID = raw.ID
	a.Label = raw.Label
	a.PublicKey = ed25519.PublicKey(key)
	a.Revoked = raw.Revoked
	if a.ID == "" {
		a.ID = KeyID(a.PublicKey)
	}
	return nil
}

// KeyID derives a stable short identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Keyring is the immutable set of provisioned anchors. Revoked anchors stay
// in the ring so a signature by a revoked key is reported as revoked rather
// than unknown.
type Keyring struct {
	anchors map[string]Anchor
}

// NewKeyring builds a keyring from anchors, rejecting duplicate ids.
func NewKeyring(anchors []Anchor) (*Keyring, error) {
	kr := &Keyring{anchors: make(map[string]Anchor, len(anchors))}
	for _, a := range anchors {
		if len(a.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("anchor %q: %w", a.ID, ErrBadKeySize)
		}
		if a.ID == "" {
			a.ID = KeyID(a.PublicKey)
		}
		if _, ok := kr.anchors[a.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, a.ID)
		}
		kr.anchors[a.ID] = a
	}
	return kr, nil
}

// LoadKeyring reads a YAML keyring file.
func LoadKeyring(fs afero.Fs, path string) (*Keyring, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	defer f.Close()
	return ReadKeyring(f)
}

// ReadKeyring parses a YAML keyring from r.
func ReadKeyring(r io.Reader) (*Keyring, error) {
	var doc struct {
		Anchors []Anchor `yaml:"anchors"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}
	return NewKeyring(doc.Anchors)
}

// Len returns the number of anchors, revoked included.
func (kr *Keyring) Len() int {
	return len(kr.anchors)
}

// Anchors returns a copy of every anchor for status reporting.
func (kr *Keyring) Anchors() []Anchor {
	out := make([]Anchor, 0, len(kr.anchors))
	for _, a := range kr.anchors {
		out = append(out, a)
	}
	return out
}

// Verify checks sig over msg against the anchor named by keyID. Every failure
// mode is an error; there is no advisory mode.
func (kr *Keyring) Verify(alg, keyID string, msg, sig []byte) error {
	if alg != AlgEd25519 {
		return fmt.Errorf("%w: %q", ErrBadAlgorithm, alg)
	}
	a, ok := kr.anchors[keyID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	if a.Revoked {
		return fmt.Errorf("%w: %q", ErrRevokedKey, keyID)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d",
			ErrBadSignature, len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(a.PublicKey, msg, sig) {
		return fmt.Errorf("%w: key %q", ErrBadSignature, keyID)
	}
	return nil
}

// GenerateKey creates a fresh signing keypair. Used by provisioning tooling,
// never by the runtime itself.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
