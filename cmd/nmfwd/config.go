//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/romshark/netmap-fwd-go/netmap"
)

type InterfaceConfig struct {
	Name       string `yaml:"name"`
	SwitchPort bool   `yaml:"switch-port"` // attach via VALE, name is "<nic>:<port>"
}

type Config struct {
	Interfaces    []InterfaceConfig `yaml:"interfaces"`
	Burst         int               `yaml:"burst"`
	NoHostRing    bool              `yaml:"no-host-ring"`
	LogLevel      string            `yaml:"log-level"`
	LogFormat     string            `yaml:"log-format"` // console or json
	StatsInterval time.Duration     `yaml:"stats-interval"`
	RatePPS       uint64            `yaml:"rate-pps"`   // 0 disables policing
	RateBurst     uint64            `yaml:"rate-burst"` // packets above rate-pps
}

// loadConfig reads path if set. Missing interfaces are reported by Validate.
func loadConfig(path string) (*Config, error) {
	var conf Config
	if path == "" {
		return &conf, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface must be set")
	}
	seen := make(map[string]struct{}, len(c.Interfaces))
	for i, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interfaces[%d].name must be set", i)
		}
		if _, ok := seen[ifc.Name]; ok {
			return fmt.Errorf("interface %q configured twice", ifc.Name)
		}
		seen[ifc.Name] = struct{}{}
	}
	if c.Burst < 0 {
		return netmap.ErrNegativeBurst
	}
	if c.Burst == 0 {
		c.Burst = netmap.DefaultBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("unsupported log-format %q", c.LogFormat)
	}
	if c.StatsInterval < 0 {
		return errors.New("stats-interval must be >= 0")
	}
	if c.RateBurst > 0 && c.RatePPS == 0 {
		return errors.New("rate-burst requires rate-pps")
	}
	return nil
}

func (ifc InterfaceConfig) mode() netmap.Mode {
	if ifc.SwitchPort {
		return netmap.ModeSwitchPort
	}
	return netmap.ModeHardware
}
