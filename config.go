package http2

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of a ServerConfig, letting every field
// spelled out in the external configuration surface (bind address, PKCS#12
// identity, and the HTTP/2 settings vector) be supplied as YAML instead of
// built up in Go.
//
//	host: 0.0.0.0
//	port: "8443"
//	security: ./server.p12
//	password: changeit
//	settings:
//	  headerTableSize: 4096
//	  disablePush: false
//	  maxConcurrentStreams: 250
//	  initialWindowSize: 1048576
//	  maxFrameSize: 16384
//	  maxHeaderListSize: 0
//	maxRequestTime: 30s
//	pingInterval: 15s
//	maxIdleTime: 5m
//	debug: false
type fileConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Security string `yaml:"security"`
	Password string `yaml:"password"`

	Settings struct {
		HeaderTableSize      uint32 `yaml:"headerTableSize"`
		DisablePush          bool   `yaml:"disablePush"`
		MaxConcurrentStreams uint32 `yaml:"maxConcurrentStreams"`
		InitialWindowSize    uint32 `yaml:"initialWindowSize"`
		MaxFrameSize         uint32 `yaml:"maxFrameSize"`
		MaxHeaderListSize    uint32 `yaml:"maxHeaderListSize"`
	} `yaml:"settings"`

	MaxRequestTime time.Duration `yaml:"maxRequestTime"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	MaxIdleTime    time.Duration `yaml:"maxIdleTime"`

	Debug bool `yaml:"debug"`
}

// LoadServerConfig reads a YAML document at path and decodes it into a
// ServerConfig. Fields absent from the document keep Go's zero value, which
// ServerConfig.settings and ConfigureServer already treat as "use the RFC
// 7540 default".
func LoadServerConfig(path string) (ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Host:     fc.Host,
		Port:     fc.Port,
		Security: fc.Security,
		Password: fc.Password,

		HeaderTableSize:      fc.Settings.HeaderTableSize,
		DisablePush:          fc.Settings.DisablePush,
		MaxConcurrentStreams: fc.Settings.MaxConcurrentStreams,
		InitialWindowSize:    fc.Settings.InitialWindowSize,
		MaxFrameSize:         fc.Settings.MaxFrameSize,
		MaxHeaderListSize:    fc.Settings.MaxHeaderListSize,

		MaxRequestTime: fc.MaxRequestTime,
		PingInterval:   fc.PingInterval,
		MaxIdleTime:    fc.MaxIdleTime,

		Debug: fc.Debug,
	}, nil
}
