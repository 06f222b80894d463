package cli

import (
	"bytes"
	"crypto/mlkem"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const report = `{
  "digitalTwin": {"deviceId": "ESP32-A1", "deviceType": "ESP32"},
  "telemetry": {"batteryPercentage": {"$numberDouble": "48.5"}, "uptimeSeconds": 3600},
  "cerberus_analysis": {"decision": "security priority", "metrics": {"anomaly_score": 4.5, "battery_prediction_hours": 1000}}
}`

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand("test")
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

type inspection struct {
	Report   types.TelemetryRecord `json:"report"`
	Decision types.PolicyDecision  `json:"decision"`
}

func TestSealThenInspect_SimulatedKEM(t *testing.T) {
	sealed, _, err := execute(t, report, "seal", "-")
	require.NoError(t, err)

	var packet types.EncryptedPacket
	require.NoError(t, json.Unmarshal([]byte(sealed), &packet))
	assert.NotEmpty(t, packet.KyberKeyBlob)

	out, _, err := execute(t, "", "inspect", writeFile(t, "envelope.json", sealed))
	require.NoError(t, err)

	var got inspection
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "ESP32-A1", got.Report.DigitalTwin.DeviceID)
	assert.Equal(t, types.Encryption256, got.Decision.EncryptionLevel)
	assert.Equal(t, "5s", got.Decision.TransmissionFrequency)
	assert.Equal(t, types.RiskModerate, got.Decision.SecurityRisk)
	assert.Equal(t, "SECURITY PRIORITY", got.Decision.DecisionPolicy)
}

func TestSealThenInspect_StaticKey(t *testing.T) {
	key := hex.EncodeToString(bytes.Repeat([]byte{0x33}, 32))
	other := hex.EncodeToString(bytes.Repeat([]byte{0x44}, 32))

	sealed, _, err := execute(t, report, "seal", "--key", key, "-")
	require.NoError(t, err)
	path := writeFile(t, "envelope.json", sealed)

	_, _, err = execute(t, "", "inspect", "--static-key", key, path)
	assert.NoError(t, err)

	_, stderr, err := execute(t, "", "--verbose", "inspect", "--static-key", other, path)
	assert.ErrorIs(t, err, cerrors.ErrDecryptionFailed)
	assert.Contains(t, stderr, cerrors.CodeAuthentication)
}

func TestSealThenInspect_MLKEM(t *testing.T) {
	seed := bytes.Repeat([]byte{0x21}, mlkem.SeedSize)
	dk, err := mlkem.NewDecapsulationKey768(seed)
	require.NoError(t, err)

	ekPath := writeFile(t, "kem.pub", string(dk.EncapsulationKey().Bytes()))
	seedPath := writeFile(t, "kem.seed", hex.EncodeToString(seed))

	sealed, _, err := execute(t, report, "seal", "--encapsulation-key", ekPath, "-")
	require.NoError(t, err)

	out, _, err := execute(t, sealed, "inspect", "--kem-seed-file", seedPath, "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"ESP32-A1"`)
}

func TestInspect_Errors(t *testing.T) {
	_, _, err := execute(t, "not json", "inspect", "-")
	assert.ErrorContains(t, err, "not valid JSON")

	_, _, err = execute(t, "", "inspect", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, _, err = execute(t, `{"kyber_key_blob":"","iv":"","tag":"","encrypted_data":""}`, "inspect", "-")
	assert.ErrorIs(t, err, cerrors.ErrDecryptionFailed)
}

func TestSeal_RejectsInvalidInput(t *testing.T) {
	_, _, err := execute(t, "{oops", "seal", "-")
	assert.ErrorContains(t, err, "not valid JSON")

	_, _, err = execute(t, report, "seal", "--key", "abcd", "-")
	assert.Error(t, err)
}

func TestLoadConfig_Layering(t *testing.T) {
	envFile := writeFile(t, "test.env", "CERBERUS_HTTP_ADDR=:7000\nCERBERUS_LOG_FORMAT=console\n")
	t.Setenv("CERBERUS_HTTP_ADDR", "")
	t.Setenv("CERBERUS_LOG_FORMAT", "")
	os.Unsetenv("CERBERUS_HTTP_ADDR")
	os.Unsetenv("CERBERUS_LOG_FORMAT")

	cfg, err := loadConfig(&RootOptions{EnvFiles: []string{envFile}, Verbose: true}, &serveOptions{grpcAddr: ":9999"})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, ":9999", cfg.GRPC.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
