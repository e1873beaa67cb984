// Agent RDP - drive a Windows host over RDP on behalf of automation clients
// Copyright (C) 2025 - Agent RDP contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries daemon settings. Resolution order: explicit request
// fields, then AGENT_RDP_* environment variables, then the optional
// config file, then defaults.
type Config struct {
	Session       string        `yaml:"session"`
	Host          string        `yaml:"host"`
	Port          uint16        `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	StreamPort    uint16        `yaml:"streamPort"`
	StreamFPS     int           `yaml:"streamFps"`
	StreamQuality int           `yaml:"streamQuality"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	LogJSON       bool          `yaml:"logJson"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Session:       "default",
		Port:          3389,
		StreamFPS:     10,
		StreamQuality: 80,
		IdleTimeout:   30 * time.Minute,
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "agent-rdp", "config.yaml")
	}
	return ""
}

// LoadConfig resolves the effective configuration from the file at path
// (missing files are fine) layered under environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.StreamQuality < 0 || cfg.StreamQuality > 100 {
		return nil, fmt.Errorf("stream quality out of range: %d", cfg.StreamQuality)
	}
	if cfg.StreamFPS <= 0 {
		cfg.StreamFPS = 10
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_RDP_SESSION"); v != "" {
		c.Session = v
	}
	if v := os.Getenv("AGENT_RDP_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("AGENT_RDP_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Port = uint16(port)
		}
	}
	if v := os.Getenv("AGENT_RDP_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("AGENT_RDP_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("AGENT_RDP_STREAM_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.StreamPort = uint16(port)
		}
	}
	if v := os.Getenv("AGENT_RDP_STREAM_FPS"); v != "" {
		if fps, err := strconv.Atoi(v); err == nil && fps > 0 {
			c.StreamFPS = fps
		}
	}
	if v := os.Getenv("AGENT_RDP_STREAM_QUALITY"); v != "" {
		if q, err := strconv.Atoi(v); err == nil {
			c.StreamQuality = q
		}
	}
	if v := os.Getenv("AGENT_RDP_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.IdleTimeout = d
		}
	}
}
