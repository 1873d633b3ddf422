package manifest

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/plcforge/edgevault/pkg/trust"
)

// encMode is the deterministic encoder shared by signing and verification.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Image is the agent payload container. All three sections are required:
// model weights, the pre-processing entry code, and the actuation entry code.
type Image struct {
	Model      []byte `cbor:"1,keyasint"`
	Preprocess []byte `cbor:"2,keyasint"`
	Actuate    []byte `cbor:"3,keyasint"`
}

// ParseImage decodes and structurally checks an agent image.
func ParseImage(raw []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}
	if len(img.Model) == 0 || len(img.Preprocess) == 0 || len(img.Actuate) == 0 {
		return nil, fmt.Errorf("%w: model, preprocess and actuate sections are all required",
			ErrMalformedImage)
	}
	return &img, nil
}

// EncodeImage serializes an image deterministically.
func EncodeImage(img *Image) ([]byte, error) {
	return encMode.Marshal(img)
}

// DecodeEnvelope parses the outer manifest container.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedManifest, err)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedManifest)
	}
	return &env, nil
}

// EncodeEnvelope serializes a signed envelope.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// DecodeBody parses the signed body bytes.
func DecodeBody(raw []byte) (*Body, error) {
	var body Body
	if err := cbor.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedManifest, err)
	}
	return &body, nil
}

// ImageDigest computes the digest stored in the manifest body.
func ImageDigest(imageBytes []byte) []byte {
	sum := sha512.Sum512(imageBytes)
	return sum[:]
}

// scopeDigest computes the SHA-512 digest the signature covers. The scope
// decides which image sections are appended to the body bytes.
func scopeDigest(scope Scope, bodyBytes, imageBytes []byte, img *Image) ([]byte, error) {
	h := sha512.New()
	h.Write(bodyBytes)
	switch scope {
	case ScopeManifest:
	case ScopeModel:
		h.Write(img.Model)
	case ScopeCode:
		h.Write(img.Preprocess)
		h.Write(img.Actuate)
	case ScopeFull:
		h.Write(imageBytes)
	default:
		return nil, fmt.Errorf("unknown signature scope %d", uint8(scope))
	}
	return h.Sum(nil), nil
}

// Sign serializes body, computes the scope digest over it and the image, and
// wraps both in a signed envelope. This is the provisioning-tool side of the
// codec; the device never signs.
func Sign(body *Body, imageBytes []byte, scope Scope, priv ed25519.PrivateKey, keyID, signer string) (*Envelope, error) {
	img, err := ParseImage(imageBytes)
	if err != nil {
		return nil, err
	}
	bodyBytes, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest body: %w", err)
	}
	digest, err := scopeDigest(scope, bodyBytes, imageBytes, img)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Body: bodyBytes,
		Sig: SignatureBlock{
			Algorithm: trust.AlgEd25519,
			Scope:     scope,
			Signature: ed25519.Sign(priv, digest),
			KeyID:     keyID,
			Timestamp: time.Now().Unix(),
			Signer:    signer,
		},
	}, nil
}

// Bundle packs the signed manifest and the image into the single byte string
// persisted as a bank payload, so boot-time re-verification has everything it
// needs without any external store.
type Bundle struct {
	Manifest []byte `cbor:"1,keyasint"`
	Image    []byte `cbor:"2,keyasint"`
}

// EncodeBundle serializes a bank payload.
func EncodeBundle(manifestBytes, imageBytes []byte) ([]byte, error) {
	return encMode.Marshal(&Bundle{Manifest: manifestBytes, Image: imageBytes})
}

// DecodeBundle parses a bank payload back into its two halves.
func DecodeBundle(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedManifest, err)
	}
	if len(b.Manifest) == 0 || len(b.Image) == 0 {
		return nil, fmt.Errorf("%w: bundle missing manifest or image", ErrMalformedManifest)
	}
	return &b, nil
}
