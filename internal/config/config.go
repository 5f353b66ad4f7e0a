// Copyright 2018 Orbital Enterprises
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the bridge configuration from a YAML file.
package config

import (
	"path/filepath"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/homedir"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full bridge configuration.
type Config struct {
	ESI      ESIConfig      `mapstructure:"esi"`
	SSO      SSOConfig      `mapstructure:"sso"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ESIConfig configures access to the EVE Swagger Interface.
type ESIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// SSOConfig configures the EVE SSO application used to refresh
// tokens.  TokenWindow is how much remaining validity a token must
// have before it is handed out; tokens closer to expiry than the
// window are refreshed first.
type SSOConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenWindow  time.Duration `mapstructure:"token_window"`
}

// IMAPConfig configures the IMAP listener.
type IMAPConfig struct {
	Address           string `mapstructure:"address"`
	Port              int    `mapstructure:"port"`
	AllowInsecureAuth bool   `mapstructure:"allow_insecure_auth"`
}

// DatabaseConfig locates the account database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads the configuration at path, or the defaults when path is
// empty and no config file exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("evemail")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(homedir.Get(), ".config", "evemail"))
	}

	v.SetDefault("esi.base_url", "https://esi.evetech.net/latest")
	v.SetDefault("esi.user_agent", "EveMail/1.0.0 (https://evemail.orbital.enterprises)")
	v.SetDefault("sso.token_window", time.Minute)
	v.SetDefault("imap.address", "0.0.0.0")
	v.SetDefault("imap.port", 1143)
	v.SetDefault("imap.allow_insecure_auth", false)
	v.SetDefault("database.path", filepath.Join(homedir.Get(), ".evemail.db"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	return cfg, nil
}
