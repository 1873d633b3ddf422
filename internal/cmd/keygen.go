package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/plcforge/edgevault/pkg/trust"
)

func newKeygenCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing keypair and a keyring snippet",
		Long: `Keygen creates a fresh ed25519 keypair for signing agent manifests. The
private key stays with the signing pipeline; the printed keyring snippet is
what gets provisioned onto devices.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygenCmd(outDir)
		},
	}
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory to write the keypair into.")
	return cmd
}

func runKeygenCmd(outDir string) error {
	pub, priv, err := trust.GenerateKey()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return err
	}
	privPath := filepath.Join(outDir, "signing.key")
	pubPath := filepath.Join(outDir, "signing.pub")
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0644); err != nil {
		return err
	}

	fmt.Printf("Private key: %s\n", privPath)
	fmt.Printf("Public key:  %s\n", pubPath)
	fmt.Printf("Key ID:      %s\n\n", trust.KeyID(pub))
	fmt.Println("Keyring snippet for /etc/edgevault/keyring.yaml:")
	fmt.Printf("anchors:\n  - id: %s\n    label: <who holds this key>\n    public-key: %s\n",
		trust.KeyID(pub), hex.EncodeToString(pub))
	return nil
}
