// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "fmt"

// BoolPtr returns a pointer to b, for the tri-state
// (unset/false/true) optional-bool fields used throughout this package.
func BoolPtr(b bool) *bool { return &b }

// LLMConfig names one model endpoint. The bot wires up to six of these
// (chat, vision, security, agent, embedding, rerank) under Config.LLMs,
// keyed by purpose per modelio's call-type dispatch.
type LLMConfig struct {
	Provider    string   `yaml:"provider,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Thinking    bool     `yaml:"thinking,omitempty"`
	TimeoutSec  int      `yaml:"timeout_seconds,omitempty"`
	MaxRetries  int      `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values to LLMConfig.
func (c *LLMConfig) SetDefaults() {
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// EmbedderProviderConfig represents embedder provider configuration.
// Adapted from the teacher's type of the same name in pkg/config/types.go,
// with APIKey and BatchSize added for the hosted (OpenAI/Cohere) embedders
// this bot's cognitive memory pipeline also supports alongside local Ollama.
type EmbedderProviderConfig struct {
	Type       string `yaml:"type"`                  // "ollama", "openai", "cohere"
	Model      string `yaml:"model"`                 // Model name
	Host       string `yaml:"host"`                  // Host (ollama) or base URL override
	APIKey     string `yaml:"api_key,omitempty"`      // API key (openai/cohere)
	Dimension  int    `yaml:"dimension"`              // Embedding dimension
	Timeout    int    `yaml:"timeout"`                // Request timeout in seconds
	MaxRetries int    `yaml:"max_retries"`            // Max retry attempts
	BatchSize  int    `yaml:"batch_size,omitempty"`   // Batch size for EmbedBatch
}

// Validate implements Config.Validate for EmbedderProviderConfig.
func (c *EmbedderProviderConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Type == "ollama" && c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if (c.Type == "openai" || c.Type == "cohere") && c.APIKey == "" {
		return fmt.Errorf("api_key is required for %s embedder", c.Type)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// SetDefaults implements Config.SetDefaults for EmbedderProviderConfig.
func (c *EmbedderProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "ollama"
	}
	switch c.Type {
	case "ollama":
		if c.Model == "" {
			c.Model = "nomic-embed-text"
		}
		if c.Host == "" {
			c.Host = "http://localhost:11434"
		}
		if c.Dimension == 0 {
			c.Dimension = 768
		}
	case "openai":
		if c.Model == "" {
			c.Model = "text-embedding-3-small"
		}
		if c.Dimension == 0 {
			c.Dimension = 1536
		}
	case "cohere":
		if c.Model == "" {
			c.Model = "embed-english-v3.0"
		}
		if c.Dimension == 0 {
			c.Dimension = 1024
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 96
	}
}
