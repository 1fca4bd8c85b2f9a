package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	e2ee "github.com/iatoba72/MeetingMind-sub002"
)

var keypairCmd = &cobra.Command{
	Use:   "keypair",
	Short: "Generate a session key pair and print its public half",
	Long: `Generate a fresh X25519 session key pair and print the public key for
exchange with peers. The private key exists only for the lifetime of this
invocation; keypair is a tool for inspecting the exchange format, not an
escrow mechanism.`,
	RunE: generateKeypair,
}

func init() {
	rootCmd.AddCommand(keypairCmd)
}

func generateKeypair(cmd *cobra.Command, args []string) error {
	emitter, err := buildEmitter()
	if err != nil {
		return err
	}
	defer emitter.Close()

	agreement, err := e2ee.NewKeyAgreement(e2ee.DefaultOptions(), emitter)
	if err != nil {
		return fmt.Errorf("failed to initialize key agreement: %w", err)
	}
	defer agreement.Close()

	handle, err := agreement.CurrentKeyPair()
	if err != nil {
		return err
	}
	publicKey, err := agreement.ExportPublicKey(handle.ID())
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"key_id":     handle.ID(),
		"created_at": handle.CreatedAt(),
		"public_key": base64.StdEncoding.EncodeToString(publicKey),
		"curve":      "x25519",
	}
	return yaml.NewEncoder(os.Stdout).Encode(out)
}
