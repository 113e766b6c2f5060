// Package config loads the YAML configuration of the pvdtls client.
//
//	pvd:
//	  config: /etc/pvd/urls.conf
//	  bind: true
//	  preferred: video.example.
//	tls:
//	  handshake_timeout: 5000
//	  engine: stdlib
//	  root_cas: [/etc/ssl/internal-ca.pem]
//	log:
//	  level: debug
//	  format: console
//
// Values may reference the environment as ${VAR} or ${VAR:-default}.
package config

import (
	cryptotls "crypto/tls"
	"crypto/x509"
	"os"
	"pvd-tls/network/pvd"
	"pvd-tls/session/tls"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	PvD PvdConfig `yaml:"pvd"`
	TLS TLSConfig `yaml:"tls"`
	Log LogConfig `yaml:"log"`
}

type PvdConfig struct {
	// Config is the path of the PvD config file.
	Config      string `yaml:"config"`
	NamePattern string `yaml:"name_pattern"`
	Bind        bool   `yaml:"bind"`
	ReadBack    bool   `yaml:"read_back"`
	Preferred   string `yaml:"preferred"`
	// Known restricts the PvDs the in-process binder accepts.
	Known []string `yaml:"known"`
}

type TLSConfig struct {
	HandshakeTimeout   Duration `yaml:"handshake_timeout"`
	Engine             string   `yaml:"engine"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	RootCAs            []string `yaml:"root_cas"`
	Fingerprint        string   `yaml:"fingerprint"`
	MinVersion         string   `yaml:"min_version"`
	ALPN               []string `yaml:"alpn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for keys that are not set.
func Default() *Config {
	return &Config{
		TLS: TLSConfig{
			HandshakeTimeout: Duration(tls.DefaultHandshakeTimeout),
			MinVersion:       "1.2",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var (
	logLevels   = []string{"debug", "info", "warn", "error"}
	logFormats  = []string{"json", "console"}
	tlsVersions = map[string]uint16{
		"1.0": cryptotls.VersionTLS10,
		"1.1": cryptotls.VersionTLS11,
		"1.2": cryptotls.VersionTLS12,
		"1.3": cryptotls.VersionTLS13,
	}
)

func (c *Config) Validate() error {
	var problems []string

	if c.TLS.HandshakeTimeout < 0 {
		problems = append(problems, "tls.handshake_timeout must not be negative")
	}
	if _, ok := tlsVersions[c.TLS.MinVersion]; c.TLS.MinVersion != "" && !ok {
		problems = append(problems, "tls.min_version must be one of 1.0, 1.1, 1.2, 1.3")
	}
	if c.Log.Level != "" && !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		problems = append(problems, "log.level must be one of "+strings.Join(logLevels, ", "))
	}
	if c.Log.Format != "" && !slices.Contains(logFormats, strings.ToLower(c.Log.Format)) {
		problems = append(problems, "log.format must be one of "+strings.Join(logFormats, ", "))
	}
	for _, path := range c.TLS.RootCAs {
		if path == "" {
			problems = append(problems, "tls.root_cas must not contain empty paths")
			break
		}
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ClientOptions turns the configuration into options for tls.NewClient.
// binder is used when PvD binding is enabled.
func (c *Config) ClientOptions(binder pvd.Binder) (tls.ClientOptions, error) {
	rootCAs, err := loadRootCAs(c.TLS.RootCAs)
	if err != nil {
		return tls.ClientOptions{}, err
	}

	opts := tls.ClientOptions{
		PvD: tls.PvdOptions{
			ConfigPath:  c.PvD.Config,
			NamePattern: c.PvD.NamePattern,
			Bind:        c.PvD.Bind,
			ReadBack:    c.PvD.ReadBack,
			Preferred:   c.PvD.Preferred,
		},
		Handshake: tls.HandshakeOptions{
			Timeout: time.Duration(c.TLS.HandshakeTimeout),
		},
		Engine: tls.EngineOptions{
			Name:               c.TLS.Engine,
			RootCAs:            rootCAs,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			MinVersion:         tlsVersions[c.TLS.MinVersion],
			Fingerprint:        c.TLS.Fingerprint,
		},
	}
	if c.PvD.Bind {
		opts.PvD.Binder = binder
	}

	return opts, nil
}

func loadRootCAs(paths []string) (*x509.CertPool, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading root certificates %s", path)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.Errorf("no certificate found in %s", path)
		}
	}
	return pool, nil
}
