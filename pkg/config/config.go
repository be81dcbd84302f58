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

// Package config provides the typed configuration snapshot (C14's
// Config) for the chat-bot runtime: model endpoints, vector/embedder
// providers, databases, skill roots, queue/scheduler/cognitive-memory
// tuning, and the ambient logger/rate-limit sections. Adapted from the
// teacher's pkg/config/config.go root-struct-with-SetDefaults/Validate
// idiom, re-keyed from the upstream agent-framework's sections (llms/agents/
// tools/document_stores) onto the bot-runtime sections this module needs.
package config

import (
	"fmt"

	"github.com/nyxbot/fabric/pkg/observability"
	"github.com/nyxbot/fabric/pkg/vector"
)

// Config is the root configuration snapshot C14 hands out.
type Config struct {
	Version     string `yaml:"version,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	// Persona is the system-prompt template PromptBuilder renders for every
	// request, with {var}/{var?} placeholders per promptbuilder.RenderPersona.
	Persona string `yaml:"persona,omitempty"`

	// LLMs are keyed by purpose: "chat", "vision", "security", "agent",
	// "embedding", "rerank". Per-user/"agent:<name>" overrides are layered
	// on top by internal/modelpool and internal/skills respectively.
	LLMs map[string]*LLMConfig `yaml:"llms,omitempty"`

	Databases    map[string]*DatabaseConfig            `yaml:"databases,omitempty"`
	VectorStores map[string]*vector.ProviderConfig      `yaml:"vector_stores,omitempty"`
	Embedders    map[string]*EmbedderProviderConfig     `yaml:"embedders,omitempty"`

	Skills     SkillsConfig     `yaml:"skills,omitempty"`
	Queue      QueueConfig      `yaml:"queue,omitempty"`
	Scheduler  SchedulerConfig  `yaml:"scheduler,omitempty"`
	Cognitive  CognitiveConfig  `yaml:"cognitive,omitempty"`
	Security   SecurityConfig   `yaml:"security,omitempty"`
	LLMLoop    LLMLoopConfig    `yaml:"llm_loop,omitempty"`
	ModelPool  ModelPoolConfig  `yaml:"model_pool,omitempty"`
	Server     ServerConfig     `yaml:"server,omitempty"`

	Logger        *LoggerConfig        `yaml:"logger,omitempty"`
	RateLimiting  *RateLimitConfig     `yaml:"rate_limiting,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
}

// SkillsConfig locates the on-disk skill tree (§6 "Skill layout on disk")
// and the hot-reload cadence shared with C15.
type SkillsConfig struct {
	Root              string  `yaml:"root,omitempty"`
	ReloadIntervalSec float64 `yaml:"reload_interval_seconds,omitempty"`
	ReloadDebounceSec float64 `yaml:"reload_debounce_seconds,omitempty"`
}

func (c *SkillsConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = "./skills"
	}
	if c.ReloadIntervalSec == 0 {
		c.ReloadIntervalSec = 5
	}
	if c.ReloadDebounceSec == 0 {
		c.ReloadDebounceSec = 2
	}
}

// QueueConfig tunes C9's fairness and pacing. TrimThreshold and TrimTarget
// are defaulted here but not read by internal/queue, whose normal-lane trim
// uses its NormalLaneTrimAt and NormalLaneTrimKeep constants.
type QueueConfig struct {
	Burst           int     `yaml:"burst,omitempty"`
	FairSteal       int     `yaml:"fair_steal,omitempty"`
	AIIntervalMS    int     `yaml:"ai_interval_ms,omitempty"`
	TrimThreshold   int     `yaml:"trim_threshold,omitempty"`
	TrimTarget      int     `yaml:"trim_target,omitempty"`
}

func (c *QueueConfig) SetDefaults() {
	if c.Burst == 0 {
		c.Burst = 2
	}
	if c.FairSteal == 0 {
		c.FairSteal = 2
	}
	if c.AIIntervalMS == 0 {
		c.AIIntervalMS = 1000
	}
	if c.TrimThreshold == 0 {
		c.TrimThreshold = 10
	}
	if c.TrimTarget == 0 {
		c.TrimTarget = 2
	}
}

// SchedulerConfig names the database backing C11's TaskStore.
type SchedulerConfig struct {
	Database string `yaml:"database,omitempty"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}
}

// CognitiveConfig tunes C12/C13: job-queue root, retry bounds, and the
// event/profile vector collection names.
type CognitiveConfig struct {
	Root                string `yaml:"root,omitempty"`
	JobMaxRetries        int    `yaml:"job_max_retries,omitempty"`
	RewriteMaxRetry      int    `yaml:"rewrite_max_retry,omitempty"`
	StaleTimeoutSec      int    `yaml:"stale_timeout_seconds,omitempty"`
	FailedMaxAgeDays     int    `yaml:"failed_max_age_days,omitempty"`
	FailedMaxCount       int    `yaml:"failed_max_count,omitempty"`
	EventCollection      string `yaml:"event_collection,omitempty"`
	ProfileCollection    string `yaml:"profile_collection,omitempty"`
	ProfileSnapshotCap   int    `yaml:"profile_snapshot_cap,omitempty"`
	EndSummaryMax        int    `yaml:"end_summary_max,omitempty"`
	VectorStore          string `yaml:"vector_store,omitempty"`
	Embedder             string `yaml:"embedder,omitempty"`
}

func (c *CognitiveConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = "./.cognitive"
	}
	if c.JobMaxRetries == 0 {
		c.JobMaxRetries = 3
	}
	if c.RewriteMaxRetry == 0 {
		c.RewriteMaxRetry = 2
	}
	if c.StaleTimeoutSec == 0 {
		c.StaleTimeoutSec = 300
	}
	if c.FailedMaxAgeDays == 0 {
		c.FailedMaxAgeDays = 14
	}
	if c.FailedMaxCount == 0 {
		c.FailedMaxCount = 1000
	}
	if c.EventCollection == "" {
		c.EventCollection = "events"
	}
	if c.ProfileCollection == "" {
		c.ProfileCollection = "profiles"
	}
	if c.ProfileSnapshotCap == 0 {
		c.ProfileSnapshotCap = 20
	}
	if c.EndSummaryMax == 0 {
		c.EndSummaryMax = 20
	}
	if c.VectorStore == "" {
		c.VectorStore = "default"
	}
	if c.Embedder == "" {
		c.Embedder = "default"
	}
}

// SecurityConfig configures C10's injection detector and the role
// classification Registry.Execute uses to enforce skills.Permission.
type SecurityConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// SuperadminIDs and AdminIDs list chatproto sender IDs holding each
	// role. Every other caller is PermPublic. A user ID present in both
	// lists is treated as superadmin (the higher of the two).
	SuperadminIDs []string `yaml:"superadmin_ids,omitempty"`
	AdminIDs      []string `yaml:"admin_ids,omitempty"`
}

// LLMLoopConfig configures C6.
type LLMLoopConfig struct {
	MaxIterations int `yaml:"max_iterations,omitempty"`
}

func (c *LLMLoopConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 1000
	}
}

// ModelPoolConfig configures C16.
type ModelPoolConfig struct {
	Enabled              bool   `yaml:"enabled,omitempty"`
	Strategy             string `yaml:"strategy,omitempty"`
	CompareExpireSeconds int    `yaml:"compare_expire_seconds,omitempty"`
}

func (c *ModelPoolConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = "round_robin"
	}
	if c.CompareExpireSeconds == 0 {
		c.CompareExpireSeconds = 120
	}
}

// ServerConfig configures the operator-local admin surface (/healthz,
// /metrics) — not a multi-tenant HTTP API; see DESIGN.md's note on why
// pkg/auth was dropped.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
}

// SetDefaults applies default values across the whole snapshot.
func (c *Config) SetDefaults() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	if c.VectorStores == nil {
		c.VectorStores = make(map[string]*vector.ProviderConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]*EmbedderProviderConfig)
	}
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	for _, db := range c.Databases {
		db.SetDefaults()
	}
	for _, vs := range c.VectorStores {
		vs.SetDefaults()
	}
	for _, e := range c.Embedders {
		e.SetDefaults()
	}
	c.Skills.SetDefaults()
	c.Queue.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Cognitive.SetDefaults()
	c.LLMLoop.SetDefaults()
	c.ModelPool.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	if c.Logger == nil {
		c.Logger = &LoggerConfig{}
	}
	c.Logger.SetDefaults()
	if c.RateLimiting == nil {
		c.RateLimiting = &RateLimitConfig{}
	}
	c.RateLimiting.SetDefaults()
}

// Validate checks the whole snapshot.
func (c *Config) Validate() error {
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	for name, db := range c.Databases {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}
	for name, vs := range c.VectorStores {
		if err := vs.Validate(); err != nil {
			return fmt.Errorf("vector_stores.%s: %w", name, err)
		}
	}
	for name, e := range c.Embedders {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("embedders.%s: %w", name, err)
		}
	}
	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}
	if c.RateLimiting != nil {
		if err := c.RateLimiting.Validate(); err != nil {
			return fmt.Errorf("rate_limiting: %w", err)
		}
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// GetDatabase looks up a named database, as ratelimit.NewRateLimiterFromConfig
// and the scheduler's task store do.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok
}

// GetLLM looks up a named model endpoint.
func (c *Config) GetLLM(name string) (*LLMConfig, bool) {
	llm, ok := c.LLMs[name]
	return llm, ok
}
