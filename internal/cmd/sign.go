package cmd

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/plcforge/edgevault/pkg/invariant"
	"github.com/plcforge/edgevault/pkg/manifest"
	"github.com/plcforge/edgevault/pkg/slot"
	"github.com/plcforge/edgevault/pkg/trust"
)

type signConfig struct {
	agentPath string
	keyPath   string
	outPath   string
	scope     string
	signer    string
	imagePath string
	modelPath string
	prePath   string
	actPath   string
	imageOut  string
}

// agentSpec is the YAML form of an agent definition as authored by a vendor.
type agentSpec struct {
	Identity struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Vendor  struct {
			Name    string `yaml:"name"`
			ID      string `yaml:"id"`
			Contact string `yaml:"contact"`
		} `yaml:"vendor"`
	} `yaml:"identity"`
	Safety struct {
		Level    string               `yaml:"level"`
		FailSafe float64              `yaml:"fail-safe"`
		Bindings map[string]uint8     `yaml:"bindings"`
		Rules    []invariant.RuleSpec `yaml:"rules"`
	} `yaml:"safety"`
	Resources struct {
		FlashBytes     uint32 `yaml:"flash-bytes"`
		SRAMBytes      uint32 `yaml:"sram-bytes"`
		MaxInferenceUS uint32 `yaml:"max-inference-us"`
	} `yaml:"resources"`
}

func newSignCmd() *cobra.Command {
	cfg := signConfig{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compile and sign an agent manifest",
		Long: `Sign reads an agent definition, compiles its safety rules to an invariant
program, binds the manifest to the agent image by digest, and signs the
result. The image is either supplied prebuilt (--image) or assembled from its
model, preprocess and actuate sections.

The agent definition is YAML:

  identity:
    id: voltage-event-agent
    name: Voltage Event Detection Agent
    version: 1.0.0
    vendor: {name: PLC Forge, id: plcforge}
  safety:
    level: SIL-2
    fail-safe: 0
    bindings: {out: 0, voltage: 1}
    rules:
      - name: voltage-window
        expr: out >= 184 and out <= 276
  resources:
    flash-bytes: 16384
    sram-bytes: 4096
    max-inference-us: 500

Channel 0 is always the candidate actuation value; sensor channels start
at 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignCmd(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.agentPath, "agent", "a", "", "Path to the agent definition YAML.")
	cmd.Flags().StringVarP(&cfg.keyPath, "key", "k", "", "Path to the hex-encoded ed25519 private key (see keygen).")
	cmd.Flags().StringVarP(&cfg.outPath, "out", "o", "manifest.bin", "Where to write the signed manifest.")
	cmd.Flags().StringVar(&cfg.scope, "scope", "FULL", "Signature scope (MANIFEST, MODEL, CODE, FULL).")
	cmd.Flags().StringVar(&cfg.signer, "signer", "", "Signer identity recorded in the signature block.")
	cmd.Flags().StringVar(&cfg.imagePath, "image", "", "Path to a prebuilt agent image.")
	cmd.Flags().StringVar(&cfg.modelPath, "model", "", "Path to the model section when building the image.")
	cmd.Flags().StringVar(&cfg.prePath, "preprocess", "", "Path to the preprocess section when building the image.")
	cmd.Flags().StringVar(&cfg.actPath, "actuate", "", "Path to the actuate section when building the image.")
	cmd.Flags().StringVar(&cfg.imageOut, "image-out", "", "Where to write the assembled image when building from sections.")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runSignCmd(cfg signConfig) error {
	raw, err := os.ReadFile(cfg.agentPath)
	if err != nil {
		return err
	}
	var spec agentSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("unable to parse agent definition: %w", err)
	}
	if _, err := slot.ParseVersion(spec.Identity.Version); err != nil {
		return err
	}

	scope, err := manifest.ParseScope(cfg.scope)
	if err != nil {
		return err
	}
	priv, keyID, err := loadSigningKey(cfg.keyPath)
	if err != nil {
		return err
	}
	imageBytes, err := resolveImage(cfg)
	if err != nil {
		return err
	}

	bindings := invariant.Bindings(spec.Safety.Bindings)
	program, err := invariant.Compile(spec.Safety.Rules, bindings, spec.Safety.FailSafe)
	if err != nil {
		return fmt.Errorf("unable to compile safety rules: %w", err)
	}

	body := &manifest.Body{
		Identity: manifest.Identity{
			ID:      spec.Identity.ID,
			Name:    spec.Identity.Name,
			Version: spec.Identity.Version,
			Vendor: manifest.Vendor{
				Name:    spec.Identity.Vendor.Name,
				ID:      spec.Identity.Vendor.ID,
				Contact: spec.Identity.Vendor.Contact,
			},
		},
		Safety: manifest.SafetySpec{
			Level:    spec.Safety.Level,
			Rules:    spec.Safety.Rules,
			Bindings: bindings,
			FailSafe: spec.Safety.FailSafe,
			Program:  *program,
		},
		Resources: manifest.ResourceBudget{
			FlashBytes:     spec.Resources.FlashBytes,
			SRAMBytes:      spec.Resources.SRAMBytes,
			MaxInferenceUS: spec.Resources.MaxInferenceUS,
		},
		ImageDigest: manifest.ImageDigest(imageBytes),
		ImageSize:   uint32(len(imageBytes)),
	}

	env, err := manifest.Sign(body, imageBytes, scope, priv, keyID, cfg.signer)
	if err != nil {
		return err
	}
	out, err := manifest.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.outPath, out, 0644); err != nil {
		return err
	}
	fmt.Printf("Signed %s %s (scope %s, key %s) -> %s\n",
		spec.Identity.ID, spec.Identity.Version, scope, keyID, cfg.outPath)
	return nil
}

func resolveImage(cfg signConfig) ([]byte, error) {
	if cfg.imagePath != "" {
		return os.ReadFile(cfg.imagePath)
	}
	if cfg.modelPath == "" || cfg.prePath == "" || cfg.actPath == "" {
		return nil, fmt.Errorf("supply either --image or all of --model, --preprocess and --actuate")
	}
	var img manifest.Image
	for _, part := range []struct {
		path string
		dst  *[]byte
	}{
		{cfg.modelPath, &img.Model},
		{cfg.prePath, &img.Preprocess},
		{cfg.actPath, &img.Actuate},
	} {
		data, err := os.ReadFile(part.path)
		if err != nil {
			return nil, err
		}
		*part.dst = data
	}
	raw, err := manifest.EncodeImage(&img)
	if err != nil {
		return nil, err
	}
	if cfg.imageOut != "" {
		if err := os.WriteFile(cfg.imageOut, raw, 0644); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func loadSigningKey(path string) (ed25519.PrivateKey, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, "", fmt.Errorf("private key is not valid hex: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, "", fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(decoded))
	}
	priv := ed25519.PrivateKey(decoded)
	pub := priv.Public().(ed25519.PublicKey)
	return priv, trust.KeyID(pub), nil
}
