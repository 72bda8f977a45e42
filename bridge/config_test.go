package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBridgeConfigDefaults(t *testing.T) {
	config, err := ParseBridgeConfig([]byte(""))
	assert.Equal(t, err, nil)

	settings, err := config.BridgeSettings()
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.HttpAddress, ":8000")
	assert.Equal(t, settings.HttpPath, "/")
	assert.Equal(t, settings.OscPort, 9000)
	assert.Equal(t, settings.OscTransport, OscTransportUdp)
	assert.Equal(t, len(settings.OscClients), 0)
	assert.Equal(t, settings.OscSettings.MaxDatagramByteCount, 65507)
	assert.Equal(t, settings.SessionServerSettings.UsersLimit, 40)

	clientSettings, err := config.ClientSettings()
	assert.Equal(t, err, nil)
	assert.Equal(t, clientSettings.ReconnectTimeout, time.Second)
	assert.Equal(t, clientSettings.CommandTimeout, time.Duration(0))
}

func TestLoadBridgeConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bridge.yaml")
	configContent := `
server:
  address: 127.0.0.1:8001
  users_limit: 2
  write_timeout: 2s
osc:
  port: 9001
  transport: tcp
  clients:
    - host: 10.0.0.2
      port: 9005
    - port: 9010
      transport: udp
client:
  reconnect: 250ms
  command_timeout: 3s
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.Equal(t, err, nil)

	config, err := LoadBridgeConfig(configPath)
	assert.Equal(t, err, nil)

	settings, err := config.BridgeSettings()
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.HttpAddress, "127.0.0.1:8001")
	assert.Equal(t, settings.HttpPath, "/")
	assert.Equal(t, settings.SessionServerSettings.UsersLimit, 2)
	assert.Equal(t, settings.SessionServerSettings.WriteTimeout, 2*time.Second)
	assert.Equal(t, settings.OscPort, 9001)
	assert.Equal(t, settings.OscTransport, OscTransportTcp)
	assert.Equal(t, len(settings.OscClients), 2)
	assert.Equal(t, *settings.OscClients[0], OscPeer{Host: "10.0.0.2", Port: 9005, Transport: OscTransportTcp})
	assert.Equal(t, *settings.OscClients[1], OscPeer{Host: "localhost", Port: 9010, Transport: OscTransportUdp})

	clientSettings, err := config.ClientSettings()
	assert.Equal(t, err, nil)
	assert.Equal(t, clientSettings.ReconnectTimeout, 250*time.Millisecond)
	assert.Equal(t, clientSettings.CommandTimeout, 3*time.Second)

	_, err = LoadBridgeConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, err, nil)
}

func TestBridgeConfigErrors(t *testing.T) {
	_, err := ParseBridgeConfig([]byte("osc:\n  transport: sctp\n"))
	assert.Equal(t, errors.Is(err, ErrUnknownTransport), true)

	_, err = ParseBridgeConfig([]byte("client:\n  reconnect: soon\n"))
	assert.NotEqual(t, err, nil)

	_, err = ParseBridgeConfig([]byte("osc:\n  clients:\n    - host: a\n"))
	assert.NotEqual(t, err, nil)

	_, err = ParseBridgeConfig([]byte("server: [\n"))
	assert.NotEqual(t, err, nil)
}
