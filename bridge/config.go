package bridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// the bridge config file, e.g.
//
//	server:
//	  address: ":8000"
//	  path: /
//	  users_limit: 40
//	osc:
//	  port: 9000
//	  transport: udp
//	  clients:
//	    - host: localhost
//	      port: 9005
//	client:
//	  reconnect: 1s
//
// Values missing from the file keep their defaults. Durations use `time.ParseDuration` syntax.
type BridgeConfig struct {
	Server ServerConfig `yaml:"server"`
	Osc    OscConfig    `yaml:"osc"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Address             string `yaml:"address"`
	Path                string `yaml:"path"`
	UsersLimit          int    `yaml:"users_limit"`
	WriteTimeout        string `yaml:"write_timeout"`
	MaxMessageByteCount int64  `yaml:"max_message_bytes"`
}

type OscConfig struct {
	Port                 int               `yaml:"port"`
	Transport            string            `yaml:"transport"`
	BindHost             string            `yaml:"bind_host"`
	MaxDatagramByteCount int               `yaml:"max_datagram_bytes"`
	MaxFrameByteCount    int               `yaml:"max_frame_bytes"`
	ConnectTimeout       string            `yaml:"connect_timeout"`
	WriteTimeout         string            `yaml:"write_timeout"`
	Clients              []OscClientConfig `yaml:"clients"`
}

type OscClientConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// defaults to the osc transport
	Transport string `yaml:"transport"`
}

type ClientConfig struct {
	Url       string `yaml:"url"`
	Reconnect string `yaml:"reconnect"`
	// empty waits for replies indefinitely
	CommandTimeout string `yaml:"command_timeout"`
}

func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Server: ServerConfig{
			Address:             ":8000",
			Path:                "/",
			UsersLimit:          40,
			WriteTimeout:        "15s",
			MaxMessageByteCount: 16 * 1024 * 1024,
		},
		Osc: OscConfig{
			Port:                 9000,
			Transport:            string(OscTransportUdp),
			BindHost:             "",
			MaxDatagramByteCount: 65507,
			MaxFrameByteCount:    16 * 1024 * 1024,
			ConnectTimeout:       "5s",
			WriteTimeout:         "15s",
			Clients:              []OscClientConfig{},
		},
		Client: ClientConfig{
			Url:       "ws://localhost:8000/",
			Reconnect: "1s",
		},
	}
}

func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBridgeConfig(data)
}

func ParseBridgeConfig(data []byte) (*BridgeConfig, error) {
	config := DefaultBridgeConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *BridgeConfig) Validate() error {
	_, err := self.BridgeSettings()
	if err != nil {
		return err
	}
	_, err = self.ClientSettings()
	return err
}

func (self *BridgeConfig) BridgeSettings() (*BridgeSettings, error) {
	oscTransport, err := ParseOscTransport(self.Osc.Transport)
	if err != nil {
		return nil, fmt.Errorf("config osc.transport: %w", err)
	}
	if self.Osc.Port < 0 || 65535 < self.Osc.Port {
		return nil, fmt.Errorf("config osc.port: %d out of range", self.Osc.Port)
	}
	if self.Server.UsersLimit < 0 {
		return nil, fmt.Errorf("config server.users_limit: %d must not be negative", self.Server.UsersLimit)
	}

	oscSettings := DefaultOscSettings()
	oscSettings.BindHost = self.Osc.BindHost
	if 0 < self.Osc.MaxDatagramByteCount {
		oscSettings.MaxDatagramByteCount = self.Osc.MaxDatagramByteCount
	}
	if 0 < self.Osc.MaxFrameByteCount {
		oscSettings.MaxFrameByteCount = self.Osc.MaxFrameByteCount
	}
	if oscSettings.ConnectTimeout, err = parseConfigDuration("osc.connect_timeout", self.Osc.ConnectTimeout, oscSettings.ConnectTimeout); err != nil {
		return nil, err
	}
	if oscSettings.WriteTimeout, err = parseConfigDuration("osc.write_timeout", self.Osc.WriteTimeout, oscSettings.WriteTimeout); err != nil {
		return nil, err
	}

	oscClients := []*OscPeer{}
	for i, clientConfig := range self.Osc.Clients {
		transport := oscTransport
		if clientConfig.Transport != "" {
			transport, err = ParseOscTransport(clientConfig.Transport)
			if err != nil {
				return nil, fmt.Errorf("config osc.clients[%d].transport: %w", i, err)
			}
		}
		if clientConfig.Port <= 0 || 65535 < clientConfig.Port {
			return nil, fmt.Errorf("config osc.clients[%d].port: %d out of range", i, clientConfig.Port)
		}
		host := clientConfig.Host
		if host == "" {
			host = "localhost"
		}
		oscClients = append(oscClients, &OscPeer{
			Host:      host,
			Port:      clientConfig.Port,
			Transport: transport,
		})
	}

	sessionServerSettings := DefaultSessionServerSettings()
	sessionServerSettings.UsersLimit = self.Server.UsersLimit
	if 0 < self.Server.MaxMessageByteCount {
		sessionServerSettings.MaxMessageByteCount = self.Server.MaxMessageByteCount
	}
	if sessionServerSettings.WriteTimeout, err = parseConfigDuration("server.write_timeout", self.Server.WriteTimeout, sessionServerSettings.WriteTimeout); err != nil {
		return nil, err
	}

	path := self.Server.Path
	if path == "" {
		path = "/"
	}

	return &BridgeSettings{
		HttpAddress:           self.Server.Address,
		HttpPath:              path,
		OscPort:               self.Osc.Port,
		OscTransport:          oscTransport,
		OscClients:            oscClients,
		OscSettings:           oscSettings,
		SessionServerSettings: sessionServerSettings,
	}, nil
}

func (self *BridgeConfig) ClientSettings() (*ClientSettings, error) {
	settings := DefaultClientSettings()
	var err error
	if settings.ReconnectTimeout, err = parseConfigDuration("client.reconnect", self.Client.Reconnect, settings.ReconnectTimeout); err != nil {
		return nil, err
	}
	if settings.CommandTimeout, err = parseConfigDuration("client.command_timeout", self.Client.CommandTimeout, settings.CommandTimeout); err != nil {
		return nil, err
	}
	return settings, nil
}

// empty keeps the default
func parseConfigDuration(name string, value string, defaultValue time.Duration) (time.Duration, error) {
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config %s: %s must not be negative", name, value)
	}
	return d, nil
}
