package cli

import (
	"crypto/mlkem"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cerberus-iot/cerberus/internal/config"
	"github.com/cerberus-iot/cerberus/internal/envelope"
)

type sealOptions struct {
	key              string
	encapsulationKey  string
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &sealOptions{}

	cmd := &cobra.Command{
		Use:   "seal <report.json>",
		Short: "Encrypt a plaintext report into an envelope",
		Long: `Encrypt a plaintext JSON report the way a device does and print the
envelope. By default a random AES key is embedded in a simulated KEM blob.
With --encapsulation-key the AES key is an ML-KEM-768 shared secret and the
blob is the KEM ciphertext. Use "-" to read the report from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("report is not valid JSON")
			}

			key, blob, err := opts.keyAndBlob()
			if err != nil {
				return err
			}
			packet, err := envelope.Seal(key, data, blob)
			if err != nil {
				return err
			}
			if rootOpts.Verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "sealed %d bytes, key blob %d bytes\n", len(data), len(blob))
			}
			return writeIndented(cmd.OutOrStdout(), packet)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "", "32-byte AES key (hex or base64); random when empty")
	cmd.Flags().StringVar(&opts.encapsulationKey, "encapsulation-key", "", "file holding an ML-KEM-768 encapsulation key")
	return cmd
}

func (o *sealOptions) keyAndBlob() (key, blob []byte, err error) {
	if o.encapsulationKey != "" {
		raw, err := os.ReadFile(o.encapsulationKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read encapsulation key: %w", err)
		}
		ek, err := mlkem.NewEncapsulationKey768(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid encapsulation key: %w", err)
		}
		shared, ciphertext := ek.Encapsulate()
		return shared, ciphertext, nil
	}

	if strings.TrimSpace(o.key) != "" {
		key, err = config.IngestConfig{StaticKey: o.key}.DecodeStaticKey()
		if err != nil {
			return nil, nil, err
		}
	} else {
		key = make([]byte, envelope.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, err
		}
	}

	blob, err = envelope.SimulatedBlob(key)
	if err != nil {
		return nil, nil, err
	}
	return key, blob, nil
}
