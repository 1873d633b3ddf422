package manifest

import (
	"crypto/subtle"
	"fmt"
	"path"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/plcforge/edgevault/pkg/invariant"
	"github.com/plcforge/edgevault/pkg/trust"
)

// Caps is the device's compiled-in capacity that declared budgets are checked
// against.
type Caps struct {
	FlashBytes       uint32
	SRAMBytes        uint32
	MaxInferenceTime time.Duration
}

// DefaultCaps matches the reference hardware class.
var DefaultCaps = Caps{
	FlashBytes:       32 * 1024,
	SRAMBytes:        4 * 1024,
	MaxInferenceTime: time.Millisecond,
}

// BootPolicy selects how much of validation is repeated for the active bank
// at boot.
type BootPolicy string

const (
	// BootPolicyFull repeats the complete four-check validation.
	BootPolicyFull BootPolicy = "full"
	// BootPolicyIntegrity only recomputes the image digest against the
	// manifest, skipping the signature check.
	BootPolicyIntegrity BootPolicy = "integrity"
)

// ParseBootPolicy validates a configured policy string.
func ParseBootPolicy(s string) (BootPolicy, error) {
	switch BootPolicy(s) {
	case BootPolicyFull, BootPolicyIntegrity:
		return BootPolicy(s), nil
	}
	return "", fmt.Errorf("unknown boot verification policy %q (want %q or %q)",
		s, BootPolicyFull, BootPolicyIntegrity)
}

// Verified is the validator's accept result: the decoded manifest, the raw
// image bytes it vouches for, and the invariant program ready to hand to a
// VM.
type Verified struct {
	Body     *Body
	Envelope *Envelope
	Image    []byte
	Program  *invariant.Program
}

// Validator gates candidate agents. It holds no mutable state and never
// touches a flash bank; rejection is purely a returned error.
type Validator struct {
	keyring *trust.Keyring
	caps    Caps
	log     *zap.Logger
}

func NewValidator(keyring *trust.Keyring, caps Caps, log *zap.Logger) *Validator {
	return &Validator{
		keyring: keyring,
		caps:    caps,
		log:     log.With(zap.String("component", path.Base(reflect.TypeOf(Validator{}).PkgPath()))),
	}
}

// Validate runs the four mandatory checks over a candidate pair. All are
// evaluated in order and every failure wraps ErrVerification; passing three
// of four is still a rejection.
func (v *Validator) Validate(manifestBytes, imageBytes []byte) (*Verified, error) {
	res, err := v.validate(manifestBytes, imageBytes, true)
	if err != nil {
		v.log.Warn("rejected candidate agent", zap.Error(err))
		return nil, err
	}
	v.log.Info("accepted candidate agent",
		zap.String("agent", res.Body.Identity.ID),
		zap.String("version", res.Body.Identity.Version),
		zap.String("scope", res.Envelope.Sig.Scope.String()),
		zap.String("keyID", res.Envelope.Sig.KeyID),
	)
	return res, nil
}

// ReVerify repeats validation for an already persisted agent according to the
// boot policy.
func (v *Validator) ReVerify(manifestBytes, imageBytes []byte, policy BootPolicy) (*Verified, error) {
	return v.validate(manifestBytes, imageBytes, policy == BootPolicyFull)
}

func (v *Validator) validate(manifestBytes, imageBytes []byte, checkSignature bool) (*Verified, error) {
	env, err := DecodeEnvelope(manifestBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	body, err := DecodeBody(env.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	img, err := ParseImage(imageBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}

	// Check 1: signature over the scope-selected digest.
	if checkSignature {
		digest, err := scopeDigest(env.Sig.Scope, env.Body, imageBytes, img)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrVerification, err)
		}
		if err := v.keyring.Verify(env.Sig.Algorithm, env.Sig.KeyID, digest, env.Sig.Signature); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrVerification, err)
		}
	}

	// Check 2: image bytes match the manifest-declared digest and size.
	if uint32(len(imageBytes)) != body.ImageSize {
		return nil, fmt.Errorf("%w: %w: image is %d bytes, manifest declares %d",
			ErrVerification, ErrImageDigest, len(imageBytes), body.ImageSize)
	}
	if subtle.ConstantTimeCompare(ImageDigest(imageBytes), body.ImageDigest) != 1 {
		return nil, fmt.Errorf("%w: %w", ErrVerification, ErrImageDigest)
	}

	// Check 3: declared budget fits the device.
	if err := v.checkBudget(body.Resources); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}

	// Check 4: the embedded invariant program is well-formed.
	if err := invariant.Validate(&body.Safety.Program); err != nil {
		return nil, fmt.Errorf("%w: invariant program: %w", ErrVerification, err)
	}

	return &Verified{Body: body, Envelope: env, Image: imageBytes, Program: &body.Safety.Program}, nil
}

func (v *Validator) checkBudget(r ResourceBudget) error {
	if r.FlashBytes > v.caps.FlashBytes {
		return fmt.Errorf("%w: flash %d > %d", ErrBudgetExceeded, r.FlashBytes, v.caps.FlashBytes)
	}
	if r.SRAMBytes > v.caps.SRAMBytes {
		return fmt.Errorf("%w: sram %d > %d", ErrBudgetExceeded, r.SRAMBytes, v.caps.SRAMBytes)
	}
	if inf := time.Duration(r.MaxInferenceUS) * time.Microsecond; inf > v.caps.MaxInferenceTime {
		return fmt.Errorf("%w: inference time %s > %s", ErrBudgetExceeded, inf, v.caps.MaxInferenceTime)
	}
	return nil
}
