package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fibaro/internal/audit"
	"github.com/nerrad567/gray-logic-fibaro/internal/bridges/fibaro"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// isolateEnv points the config and env-file lookups at dir so the test
// never reads the developer's real files.
func isolateEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("GRAYLOGIC_FIBARO_ENV_FILE", filepath.Join(dir, "missing.env"))
	for _, key := range []string{
		"GRAYLOGIC_FIBARO_HUB_ADDRESS", "GRAYLOGIC_FIBARO_HUB_USERNAME", "GRAYLOGIC_FIBARO_HUB_PASSWORD",
		"GRAYLOGIC_FIBARO_DEVICES_FILE", "GRAYLOGIC_FIBARO_LISTENER_PORT", "GRAYLOGIC_FIBARO_MQTT_HOST",
	} {
		t.Setenv(key, "")
	}
}

func TestRun_InvalidConfigPath(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", filepath.Join(dir, "nope.yaml"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want loading config failure", err)
	}
}

func TestRun_ConfigValidationFails(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", writeFile(t, dir, "fibaro.yaml", `
hub:
  address: "192.168.1.10"
listener:
  port: 80
`))

	err := run(context.Background())
	if err == nil {
		t.Fatal("run() should fail validation")
	}
	for _, want := range []string{"hub.username", "hub.password", "listener.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestRun_MissingDevicesFile(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", writeFile(t, dir, "fibaro.yaml", `
bridge:
  devices_file: "`+filepath.Join(dir, "devices.yaml")+`"
hub:
  address: "192.168.1.10"
  username: "admin"
  password: "secret"
`))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "loading devices") {
		t.Fatalf("run() error = %v, want loading devices failure", err)
	}
}

func TestRun_EnvFileSuppliesCredentials(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	t.Setenv("GRAYLOGIC_FIBARO_ENV_FILE", writeFile(t, dir, ".env",
		"GRAYLOGIC_FIBARO_HUB_USERNAME=admin\nGRAYLOGIC_FIBARO_HUB_PASSWORD=from-dotenv\n"))
	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", writeFile(t, dir, "fibaro.yaml", `
bridge:
  devices_file: "`+filepath.Join(dir, "devices.yaml")+`"
hub:
  address: "192.168.1.10"
`))

	// Credentials come from .env, so validation passes and the next
	// failure is the missing devices file.
	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "loading devices") {
		t.Fatalf("run() error = %v, want loading devices failure", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", "/etc/graylogic/fibaro.yaml")
	if got := getConfigPath(); got != "/etc/graylogic/fibaro.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestGetEnvFile(t *testing.T) {
	t.Setenv("GRAYLOGIC_FIBARO_ENV_FILE", "")
	if got := getEnvFile(); got != defaultEnvFile {
		t.Errorf("getEnvFile() = %q, want %q", got, defaultEnvFile)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Bridge: config.BridgeConfig{
			ID:             "fibaro-test",
			HealthInterval: 15 * time.Second,
			CommandTimeout: 3 * time.Second,
		},
		Hub: config.HubConfig{
			Address:       "hc2.local",
			Username:      "admin",
			Password:      "secret",
			Timeout:       4 * time.Second,
			MaxConcurrent: 2,
		},
		Listener: config.ListenerConfig{
			Host:     "127.0.0.1",
			Port:     9100,
			Timeouts: config.ListenerTimeoutConfig{Read: 5, Write: 6, Idle: 7},
		},
		Cache: config.CacheConfig{TTL: 20 * time.Second, SweepInterval: 2 * time.Second, MaxSize: 50},
	}
}

func TestBridgeConfig(t *testing.T) {
	got := bridgeConfig(testConfig())

	if got.ID != "fibaro-test" || got.HubAddress != "hc2.local" || got.Version != version {
		t.Errorf("identity = %+v", got)
	}
	if got.HealthInterval != 15*time.Second || got.CommandTimeout != 3*time.Second {
		t.Errorf("intervals = %v/%v", got.HealthInterval, got.CommandTimeout)
	}
	want := fibaro.ListenerConfig{
		Host: "127.0.0.1", Port: 9100,
		ReadTimeout: 5 * time.Second, WriteTimeout: 6 * time.Second, IdleTimeout: 7 * time.Second,
	}
	if got.Listener != want {
		t.Errorf("Listener = %+v, want %+v", got.Listener, want)
	}
}

func TestClientConfig(t *testing.T) {
	got := clientConfig(testConfig())

	if got.Address != "hc2.local" || got.Username != "admin" || got.Password != "secret" {
		t.Errorf("hub = %s", got)
	}
	if got.Timeout != 4*time.Second || got.MaxConcurrent != 2 {
		t.Errorf("timeout/concurrency = %v/%d", got.Timeout, got.MaxConcurrent)
	}
	if got.Cache.TTL != 20*time.Second || got.Cache.SweepInterval != 2*time.Second || got.Cache.MaxSize != 50 {
		t.Errorf("cache = %+v", got.Cache)
	}
}

func TestHealthWill(t *testing.T) {
	will, err := healthWill("fibaro-test")
	if err != nil {
		t.Fatalf("healthWill() error = %v", err)
	}
	if will.Topic != fibaro.HealthTopic() || will.QoS != 1 || !will.Retained {
		t.Errorf("will = %+v", will)
	}

	var msg fibaro.HealthMessage
	if err := json.Unmarshal(will.Payload, &msg); err != nil {
		t.Fatalf("will payload not JSON: %v", err)
	}
	if msg.Bridge != "fibaro-test" || msg.Status != fibaro.HealthOffline {
		t.Errorf("will message = %+v", msg)
	}
}

func TestOpenAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "audit.db")
	ctx := context.Background()

	db, err := openAudit(ctx, config.DatabaseConfig{Path: path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("openAudit() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup
	if err := db.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	repo := audit.NewSQLiteRepository(db.DB)

	rec := fibaro.CommandRecord{
		CommandID: "c-1",
		DeviceID:  42,
		Channel:   "switch",
		Command:   "on_off",
		Value:     true,
		Status:    fibaro.AckAccepted,
		Timestamp: time.Now().UTC(),
	}
	if err := repo.RecordCommand(ctx, rec); err != nil {
		t.Fatalf("RecordCommand() error = %v", err)
	}

	res, err := repo.List(ctx, audit.Filter{DeviceID: 42})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
}

func TestOpenAudit_BadPath(t *testing.T) {
	if _, err := openAudit(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Error("openAudit() with empty path should fail")
	}
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("not connected") }

	tests := []struct {
		name    string
		checks  map[string]fibaro.HealthCheck
		wantErr string
	}{
		{"no checks", nil, ""},
		{"all pass", map[string]fibaro.HealthCheck{"mqtt": ok, "database": ok}, ""},
		{"mqtt down", map[string]fibaro.HealthCheck{"mqtt": fail, "database": ok}, "mqtt: not connected"},
		{"first by name", map[string]fibaro.HealthCheck{"mqtt": fail, "influxdb": fail}, "influxdb: not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := healthCheck(context.Background(), tt.checks)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("healthCheck() error = %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("healthCheck() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// TestRun_EndToEnd needs a broker at GRAYLOGIC_FIBARO_TEST_BROKER (host:port).
func TestRun_EndToEnd(t *testing.T) {
	broker := os.Getenv("GRAYLOGIC_FIBARO_TEST_BROKER")
	if broker == "" {
		t.Skip("GRAYLOGIC_FIBARO_TEST_BROKER not set")
	}
	brokerHost, brokerPort, err := net.SplitHostPort(broker)
	if err != nil {
		t.Fatalf("bad broker address: %v", err)
	}

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"name":"Lamp","properties":{"value":"0","dead":"false"}}`))
	}))
	defer hub.Close()

	dir := t.TempDir()
	isolateEnv(t, dir)
	devices := writeFile(t, dir, "devices.yaml", `
devices:
  - id: 42
    name: "Lamp"
    type: "actor"
    channels: ["switch"]
`)
	t.Setenv("GRAYLOGIC_FIBARO_CONFIG", writeFile(t, dir, "fibaro.yaml", `
bridge:
  id: "fibaro-e2e"
  devices_file: "`+devices+`"
hub:
  address: "`+hub.URL+`"
  username: "admin"
  password: "secret"
listener:
  host: "127.0.0.1"
  port: 39017
mqtt:
  broker:
    host: "`+brokerHost+`"
    port: `+brokerPort+`
    client_id: "graylogic-fibaro-e2e"
audit:
  enabled: true
database:
  path: "`+filepath.Join(dir, "audit.db")+`"
`))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	time.Sleep(2 * time.Second)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
