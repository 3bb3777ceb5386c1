// Package config loads partisan's node configuration, following
// ctrliq-beskar's internal/pkg/config pattern: an embedded default
// YAML document, loaded from disk when present and falling back to the
// embedded default otherwise.
package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"go.ciq.dev/partisan/internal/pkg/log"
)

const (
	// DefaultConfigDir is where partisand looks for its configuration
	// file absent an explicit -config-dir flag.
	DefaultConfigDir = "/etc/partisan"
	// ConfigFile is the configuration file name within the config
	// directory.
	ConfigFile = "partisan.yaml"
)

//go:embed default/partisan.yaml
var defaultConfig string

// NodeIdentity configures this node's name and listen addresses.
type NodeIdentity struct {
	Name        string   `yaml:"name"`
	ListenAddrs []string `yaml:"listen_addrs"`
}

// ChannelConfig is the on-disk form of a logical channel.
type ChannelConfig struct {
	Monotonic   bool        `yaml:"monotonic"`
	Parallelism int         `yaml:"parallelism"`
	Compression interface{} `yaml:"compression"`
}

// CompressionLevel turns the YAML `compression` value (false, or an
// integer 0-9) into the internal representation used by
// nodespec.Channel (-1 meaning disabled).
func (c ChannelConfig) CompressionLevel() (int, error) {
	switch v := c.Compression.(type) {
	case nil:
		return -1, nil
	case bool:
		if v {
			return -1, fmt.Errorf("partisan: compression: true is not a valid level, use 0-9")
		}
		return -1, nil
	case int:
		if v < 0 || v > 9 {
			return -1, fmt.Errorf("partisan: compression level %d out of range [0,9]", v)
		}
		return v, nil
	default:
		return -1, fmt.Errorf("partisan: compression: unsupported value %#v", v)
	}
}

// TLSConfig configures transport-layer security between peers,
// matching the tls_server_options/tls_client_options configuration keys.
type TLSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServerCertFile string `yaml:"server_cert_file"`
	ServerKeyFile  string `yaml:"server_key_file"`
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	CACertFile     string `yaml:"ca_cert_file"`
}

// ServerConfig builds the *tls.Config an inbound listener upgrades
// sniffed TLS connections with, or nil if TLS is disabled. Peers
// mutually authenticate: a CA file configures ClientAuth the same way
// ctrliq-beskar's getTLSConfig does for its registry mirror listeners,
// just with client certs required rather than optional.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCertFile, c.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("partisan: load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.CACertFile != "" {
		pool, err := loadCertPool(c.CACertFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientConfig builds the *tls.Config used to dial peers, or nil if
// TLS is disabled.
func (c TLSConfig) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("partisan: load client certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.CACertFile != "" {
		pool, err := loadCertPool(c.CACertFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("partisan: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pem); !ok {
		return nil, fmt.Errorf("partisan: no certificates found in %s", path)
	}
	return pool, nil
}

// Config is the full node configuration.
type Config struct {
	Version         string                   `yaml:"version"`
	Node            NodeIdentity             `yaml:"node"`
	Parallelism     int                      `yaml:"parallelism"`
	Channels        map[string]ChannelConfig `yaml:"channels"`
	TLS             TLSConfig                `yaml:"tls"`
	Log             log.Config               `yaml:"log"`
	DataDir         string                   `yaml:"partisan_data_dir"`
	EgressDelayMS   int                      `yaml:"egress_delay_ms"`
	IngressDelayMS  int                      `yaml:"ingress_delay_ms"`
	BinaryPadding   int                      `yaml:"binary_padding"`
	RemoteRefFormat string                   `yaml:"remote_ref_format"`
	CausalLabels    []string                 `yaml:"causal_labels"`
	Broadcast       bool                     `yaml:"broadcast"`
	ConnectDisterl  bool                     `yaml:"connect_disterl"`
	ControlSocket   string                   `yaml:"control_socket"`

	// ConfigDirectory is where the file was loaded from, empty if the
	// embedded default was used. Not part of the YAML document.
	ConfigDirectory string `yaml:"-"`
}

// Parse loads the node configuration from dir/partisan.yaml, falling
// back to DefaultConfigDir, and falling back further to the embedded
// default document when no file is found and no explicit dir was given.
func Parse(dir string) (*Config, error) {
	customDir := dir != ""

	filename := filepath.Join(DefaultConfigDir, ConfigFile)
	if customDir {
		filename = filepath.Join(dir, ConfigFile)
	}

	var (
		reader    io.Reader
		configDir = filepath.Dir(filename)
	)

	f, err := os.Open(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || customDir {
			return nil, fmt.Errorf("partisan: open config %s: %w", filename, err)
		}
		reader = strings.NewReader(defaultConfig)
		configDir = ""
	} else {
		defer f.Close()
		reader = f
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, reader); err != nil {
		return nil, fmt.Errorf("partisan: read config: %w", err)
	}

	cfg := new(Config)
	if err := yaml.Unmarshal(buf.Bytes(), cfg); err != nil {
		return nil, fmt.Errorf("partisan: parse config: %w", err)
	}
	cfg.ConfigDirectory = configDir

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = map[string]ChannelConfig{
			"default": {Parallelism: 1, Compression: false},
		}
	}
	if _, ok := cfg.Channels["default"]; !ok {
		return nil, fmt.Errorf("partisan: configuration must define the %q channel", "default")
	}

	return cfg, nil
}
