package app

import (
	"bytes"
	"context"
	"crypto/mlkem"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cerberus-iot/cerberus/internal/config"
	"github.com/cerberus-iot/cerberus/internal/envelope"
)

const plaintext = `{"digitalTwin":{"deviceId":"ESP32-A1"},"telemetry":{"batteryPercentage":71},` +
	`"cerberus_analysis":{"decision":"BALANCED","metrics":{"anomaly_score":3}}}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	return cfg
}

func postReport(t *testing.T, addr string) *http.Response {
	t.Helper()
	key := bytes.Repeat([]byte{0x01}, envelope.KeySize)
	blob, err := envelope.SimulatedBlob(key)
	require.NoError(t, err)
	packet, err := envelope.Seal(key, []byte(plaintext), blob)
	require.NoError(t, err)
	body, err := json.Marshal(packet)
	require.NoError(t, err)

	resp, err := http.Post("http://"+addr+"/api/report", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestApp_StartServeStop(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()), "second start must fail")

	resp := postReport(t, a.HTTPAddr())
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + a.HTTPAddr() + "/api/reports/latest")
	require.NoError(t, err)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, 1, list.Count)

	assert.NotEmpty(t, a.GRPCAddr())
	require.NoError(t, a.Stop(context.Background()))
	assert.NoError(t, a.Stop(context.Background()), "stop is idempotent")
	assert.True(t, a.Shutdown().IsShuttingDown())
}

func TestApp_SweepExpired(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Enabled = false
	cfg.Catalog.Retention = time.Millisecond

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	resp := postReport(t, a.HTTPAddr())
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	keys, err := a.archive.List(context.Background(), "ESP32-A1")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	time.Sleep(5 * time.Millisecond)
	removed, err := a.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err = a.archive.List(context.Background(), "ESP32-A1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Type = "ftp"
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestKeyRecoverer(t *testing.T) {
	t.Run("simulated", func(t *testing.T) {
		k, err := KeyRecoverer(config.IngestConfig{SimulateKEM: true})
		require.NoError(t, err)
		assert.IsType(t, envelope.SimulatedKEM{}, k)
	})

	t.Run("static key", func(t *testing.T) {
		k, err := KeyRecoverer(config.IngestConfig{StaticKey: hex.EncodeToString(bytes.Repeat([]byte{9}, 32))})
		require.NoError(t, err)
		assert.IsType(t, envelope.StaticKey(nil), k)
	})

	t.Run("ml-kem seed", func(t *testing.T) {
		seed := bytes.Repeat([]byte{7}, mlkem.SeedSize)
		path := filepath.Join(t.TempDir(), "seed.hex")
		require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0600))

		k, err := KeyRecoverer(config.IngestConfig{KEMSeedFile: path})
		require.NoError(t, err)

		dk, err := mlkem.NewDecapsulationKey768(seed)
		require.NoError(t, err)
		shared, ciphertext := dk.EncapsulationKey().Encapsulate()
		got, err := k.RecoverKey(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, shared, got)
	})

	t.Run("bad seed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seed")
		require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
		_, err := KeyRecoverer(config.IngestConfig{KEMSeedFile: path})
		assert.Error(t, err)
	})
}
