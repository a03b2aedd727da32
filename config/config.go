// Package config provides the relay's process configuration.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/go-ini/ini"
)

// Config holds every setting the relay needs at startup: the CLI-named
// settings (hostname, ports, hostkey, minimum hops, verbosity), the peer
// source address (flag or INI file), and the socket timeouts, which are only
// reachable through the optional INI file.
type Config struct {
	Hostname    string
	Port        int
	APIPort     int
	HostKeyFile string
	HostKey     *rsa.PrivateKey
	MinHops     int
	Verbose     bool

	RPSAddress    string // API socket address of the peer source
	BuildTimeout  int
	CreateTimeout int
	APITimeout    int
}

// Default returns a Config carrying sane defaults (minimum-hops=2) and
// reasonable socket timeouts.
func Default() Config {
	return Config{
		MinHops:       2,
		BuildTimeout:  10,
		CreateTimeout: 10,
		APITimeout:    5,
	}
}

// FromFile loads settings from an INI file. Hostname, ports, hostkey path
// and peer source address are only taken from the file while still
// zero-valued, so values set before FromFile runs are kept. Minimum hops and
// the timeouts are taken from the file whenever it sets them, and keep their
// current values when it does not.
func (cfg *Config) FromFile(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	section := file.Section("onion")
	if cfg.RPSAddress == "" {
		cfg.RPSAddress = file.Section("rps").Key("api_address").String()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = section.Key("p2p_hostname").String()
	}
	if cfg.Port == 0 {
		cfg.Port = section.Key("p2p_port").MustInt(0)
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = section.Key("api_port").MustInt(0)
	}
	if cfg.HostKeyFile == "" {
		cfg.HostKeyFile = section.Key("hostkey").String()
	}
	cfg.BuildTimeout = section.Key("build_timeout").MustInt(cfg.BuildTimeout)
	cfg.CreateTimeout = section.Key("create_timeout").MustInt(cfg.CreateTimeout)
	cfg.APITimeout = section.Key("api_timeout").MustInt(cfg.APITimeout)
	cfg.MinHops = section.Key("minimum_hops").MustInt(cfg.MinHops)
	if cfg.MinHops == 0 {
		cfg.MinHops = 2
	}

	return nil
}

// LoadHostKey reads and parses the PEM-encoded RSA private key named by
// cfg.HostKeyFile, accepting either a PKCS1 "RSA PRIVATE KEY" block or a
// PKCS8 "PRIVATE KEY" block.
func (cfg *Config) LoadHostKey() error {
	if cfg.HostKeyFile == "" {
		return errors.New("missing hostkey file path")
	}

	data, err := ioutil.ReadFile(cfg.HostKeyFile)
	if err != nil {
		return fmt.Errorf("could not read host key file: %v", err)
	}

	pemBlock, rest := pem.Decode(data)
	if pemBlock == nil || len(rest) != 0 {
		return errors.New("invalid pem entry in host key file")
	}

	switch pemBlock.Type {
	case "RSA PRIVATE KEY":
		cfg.HostKey, err = x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
		if err != nil {
			return fmt.Errorf("invalid hostkey: %v", err)
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
		if err != nil {
			return fmt.Errorf("invalid hostkey: %v", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return errors.New("hostkey is not an RSA key")
		}
		cfg.HostKey = rsaKey
	default:
		return errors.New("unknown key type")
	}

	return nil
}

// Validate checks the invariants that must hold before either listener
// binds, including rejecting a peer port and control port collision.
func (cfg *Config) Validate() error {
	if cfg.Hostname == "" {
		return errors.New("missing hostname")
	}
	if cfg.Port == 0 {
		return errors.New("missing port")
	}
	if cfg.APIPort == 0 {
		return errors.New("missing api-port")
	}
	if cfg.Port == cfg.APIPort {
		return errors.New("port and api-port must differ")
	}
	if cfg.MinHops < 1 {
		return errors.New("minimum-hops must be at least 1")
	}
	if cfg.HostKey == nil {
		return errors.New("missing hostkey")
	}
	return nil
}
