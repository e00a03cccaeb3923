// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/caarlos0/env/v8"
	"github.com/spf13/viper"

	"github.com/smoltools/binject/pkg/comp"
	"github.com/smoltools/binject/pkg/dlx"
)

type press struct {
	Algorithm string `json:"algorithm" env:"BINJECT_ALGORITHM"`
	SlotName  string `json:"slot"      env:"BINJECT_SLOT"`
	FakeArgv0 bool   `json:"fake-argv0"`
}

type cache struct {
	Dir string `json:"dir" env:"SOCKET_DLX_DIR"`
}

// Config is the configuration struct
type Config struct {
	Press press `json:"press"`
	Cache cache `json:"cache"`
}

func (c *Config) verify() error {
	if c.Press.Algorithm == "" {
		c.Press.Algorithm = comp.Default.String()
	} else if _, err := comp.Lookup(c.Press.Algorithm); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if c.Press.SlotName == "" {
		c.Press.SlotName = "pressed"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = dlx.ResolveBaseDir()
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	c := &Config{}

	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
