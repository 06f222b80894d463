package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cerberus-iot/cerberus/internal/app"
	"github.com/cerberus-iot/cerberus/internal/config"
	"github.com/cerberus-iot/cerberus/internal/envelope"
	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/internal/ingest"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

type keyOptions struct {
	staticKey   string
	kemSeedFile string
}

func (o *keyOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.staticKey, "static-key", "", "pre-shared 32-byte AES key (hex or base64)")
	cmd.Flags().StringVar(&o.kemSeedFile, "kem-seed-file", "", "ML-KEM-768 decapsulation key seed")
}

// recoverer returns the simulated KEM unless a key source was given.
func (o *keyOptions) recoverer() (envelope.KeyRecoverer, error) {
	return app.KeyRecoverer(config.IngestConfig{
		SimulateKEM: o.staticKey == "" && o.kemSeedFile == "",
		StaticKey:   o.staticKey,
		KEMSeedFile: o.kemSeedFile,
	})
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	keys := &keyOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <envelope.json>",
		Short: "Decrypt an envelope and print its record and policy decision",
		Long: `Decrypt one envelope offline and print the normalized record together
with the policy decision the service would compute. Nothing is stored.
Use "-" to read the envelope from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, keys, args[0], cmd)
		},
	}
	keys.register(cmd)
	return cmd
}

func runInspect(rootOpts *RootOptions, keys *keyOptions, path string, cmd *cobra.Command) error {
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	var packet types.EncryptedPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return fmt.Errorf("envelope is not valid JSON: %w", err)
	}

	recoverer, err := keys.recoverer()
	if err != nil {
		return err
	}

	pipeline := ingest.New(ingest.Config{Decryptor: envelope.NewDecryptor(recoverer)})
	eval, err := pipeline.Evaluate(packet)
	if err != nil {
		if rootOpts.Verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "stage code %s: %v\n", cerrors.GetCode(err), err)
		}
		return cerrors.Public(err)
	}

	return writeIndented(cmd.OutOrStdout(), eval)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
