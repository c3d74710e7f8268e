// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// config is the YAML file shape consumed by `modelrelay run`.
type config struct {
	// Listen is the bind address of the proxy.
	Listen string `yaml:"listen"`
	// PublicOrigin is the externally visible origin used for mirrored image
	// URLs. Defaults to http://<listen>.
	PublicOrigin string `yaml:"publicOrigin"`
	AssetsDir    string `yaml:"assetsDir"`
	MaxAttempts  int    `yaml:"maxAttempts"`

	Limits struct {
		OpenAIMaxOutputTokens    int  `yaml:"openaiMaxOutputTokens"`
		AnthropicMaxOutputTokens int  `yaml:"anthropicMaxOutputTokens"`
		AllowToolUsage           bool `yaml:"allowToolUsage"`
	} `yaml:"limits"`

	Upstreams []gateway.Upstream `yaml:"upstreams"`

	Keys []struct {
		Service llmapi.Service `yaml:"service"`
		Secret  string         `yaml:"secret"`
	} `yaml:"keys"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var c config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if c.Listen == "" {
		c.Listen = ":5100"
	}
	if c.PublicOrigin == "" {
		c.PublicOrigin = "http://localhost" + c.Listen
	}
	if c.AssetsDir == "" {
		c.AssetsDir = "assets"
	}
	if len(c.Upstreams) == 0 {
		return nil, fmt.Errorf("config must define at least one upstream")
	}
	for i, u := range c.Upstreams {
		if u.Name == "" || u.BaseURL == "" {
			return nil, fmt.Errorf("upstream %d: name and baseURL are required", i)
		}
		if !u.Service.Valid() {
			return nil, fmt.Errorf("upstream %q: unknown service %q", u.Name, u.Service)
		}
		if !u.API.Valid() {
			return nil, fmt.Errorf("upstream %q: unknown api %q", u.Name, u.API)
		}
	}
	for i, k := range c.Keys {
		if !k.Service.Valid() {
			return nil, fmt.Errorf("key %d: unknown service %q", i, k.Service)
		}
		if k.Secret == "" {
			return nil, fmt.Errorf("key %d: secret is required", i)
		}
	}
	return &c, nil
}
