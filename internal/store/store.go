package store

import (
	"context"
	"time"
)

// APIKeyRecord is the persisted form of a client API key.
type APIKeyRecord struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"`                     // bcrypt hash, never serialized
	KeyPrefix        string     `json:"key_prefix"`            // first 8 chars for identification
	Name             string     `json:"name"`
	Scopes           string     `json:"scopes"`                // JSON array stored as text
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RotationDays     int        `json:"rotation_days"`          // 0 = manual rotation only
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd"`     // 0 = unlimited
	Enabled          bool       `json:"enabled"`
}

// Store defines the persistence interface for conclave.
type Store interface {
	// Models
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetModel(ctx context.Context, id string) (*ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	DeleteModel(ctx context.Context, id string) error

	// Providers
	ListProviders(ctx context.Context) ([]ProviderRecord, error)
	UpsertProvider(ctx context.Context, p ProviderRecord) error
	DeleteProvider(ctx context.Context, id string) error

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)
	GetMonthlySpend(ctx context.Context, apiKeyID string) (float64, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Routing config persistence
	SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error
	LoadRoutingConfig(ctx context.Context) (RoutingConfig, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Reward logging (contextual bandit data collection)
	LogReward(ctx context.Context, entry RewardEntry) error
	ListRewards(ctx context.Context, limit int, offset int) ([]RewardEntry, error)
	GetRewardSummary(ctx context.Context) ([]RewardSummary, error)

	// API key management
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	ListExpiredRotationKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Log retention
	PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error)

	// Orchestration kernel persistence
	SaveKernelRequest(ctx context.Context, req KernelRequestRecord, subtasks []KernelSubtaskRecord) error
	UpdateKernelRequestResult(ctx context.Context, req KernelRequestRecord, responses []KernelResponseRecord, costs []ProviderCostRecord) error
	GetKernelRequest(ctx context.Context, id string) (*KernelRequestRecord, error)
	ListKernelSubtasks(ctx context.Context, requestID string) ([]KernelSubtaskRecord, error)
	ListKernelResponses(ctx context.Context, requestID string) ([]KernelResponseRecord, error)
	ListProviderCosts(ctx context.Context, requestID string) ([]ProviderCostRecord, error)
	ListKernelRequests(ctx context.Context, principal string, limit, offset int) ([]KernelRequestRecord, error)
	DeleteKernelRequest(ctx context.Context, id string) error
	LogCostDiscrepancy(ctx context.Context, entry CostDiscrepancyRecord) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ModelRecord is the persisted form of a model configuration.
type ModelRecord struct {
	ID               string  `json:"id"`
	ProviderID       string  `json:"provider_id"`
	Weight           int     `json:"weight"`
	MaxContextTokens int     `json:"max_context_tokens"`
	InputPer1K       float64 `json:"input_per_1k"`
	OutputPer1K      float64 `json:"output_per_1k"`
	Enabled          bool    `json:"enabled"`
	PricingSource    string  `json:"pricing_source,omitempty"`
	// TaskTypes is a comma-separated kernel.TaskType list this model is
	// eligible for in the orchestration kernel's ProviderRegistry. Empty
	// means "eligible for every task type".
	TaskTypes string `json:"task_types,omitempty"`
	// Reliability is the kernel Router's reliability score in [0,1].
	// Zero means "unset"; kernel wiring substitutes a health-derived default.
	Reliability float64 `json:"reliability,omitempty"`
}

// ProviderRecord is the persisted form of a provider configuration.
type ProviderRecord struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // openai, anthropic, vllm
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url"`
	CredStore string `json:"cred_store"` // env, vault, none
}

// RoutingConfig holds persisted routing policy defaults.
type RoutingConfig struct {
	DefaultMode         string  `json:"default_mode"`
	DefaultMaxBudgetUSD float64 `json:"default_max_budget_usd"`
	DefaultMaxLatencyMs int     `json:"default_max_latency_ms"`
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`              // e.g. "model.upsert", "provider.delete", "vault.unlock"
	Resource  string    `json:"resource"`             // e.g. "gpt-4", "openai"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single routed request for audit/dashboard.
type RequestLog struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	ModelID          string    `json:"model_id"`
	ProviderID       string    `json:"provider_id"`
	Mode             string    `json:"mode"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	ErrorClass       string    `json:"error_class,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
}

// RewardSummary aggregates reward data per model per token bucket for
// Thompson Sampling parameter estimation.
type RewardSummary struct {
	ModelID     string  `json:"model_id"`
	TokenBucket string  `json:"token_bucket"`
	Count       int     `json:"count"`
	Successes   int     `json:"successes"`
	SumReward   float64 `json:"sum_reward"`
}

// KernelRequestRecord is the persisted form of a kernel.Request, one row
// per orchestration from submission through final status.
type KernelRequestRecord struct {
	ID                string     `json:"id"`
	Principal         string     `json:"principal"`
	Role              string     `json:"role"`
	Prompt            string     `json:"prompt"`
	Mode              string     `json:"mode"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	FinalText         string     `json:"final_text,omitempty"`
	OverallConfidence float64    `json:"overall_confidence"`
	TotalCostUSD      float64    `json:"total_cost_usd"`
}

// KernelSubtaskRecord is the persisted form of a kernel.Subtask.
type KernelSubtaskRecord struct {
	ID                   string  `json:"id"`
	RequestID            string  `json:"request_id"`
	Content              string  `json:"content"`
	TaskType             string  `json:"task_type"`
	Priority             int     `json:"priority"`
	RiskLevel            string  `json:"risk_level"`
	AccuracyRequirement  float64 `json:"accuracy_requirement"`
	AssignedModelID      string  `json:"assigned_model_id,omitempty"`
	Status               string  `json:"status"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
}

// KernelResponseRecord is the persisted form of a kernel.AgentResponse.
type KernelResponseRecord struct {
	ID           int64     `json:"id"`
	SubtaskID    string    `json:"subtask_id"`
	RequestID    string    `json:"request_id"`
	ModelID      string    `json:"model_id"`
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence"`
	RiskLevel    string    `json:"risk_level"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Success      bool      `json:"success"`
	UsedFallback bool      `json:"used_fallback"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderCostRecord is one model's contribution to a request's total
// cost, persisted form of kernel.CostBreakdown's per-provider entries.
type ProviderCostRecord struct {
	ID           int64   `json:"id"`
	RequestID    string  `json:"request_id"`
	ModelID      string  `json:"model_id"`
	ProviderID   string  `json:"provider_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostDiscrepancyRecord is the persisted form of a costengine.DiscrepancyEvent.
type CostDiscrepancyRecord struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	Mode             string    `json:"mode"`
	Direction        string    `json:"direction"`
	Ratio            float64   `json:"ratio"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	ActualCostUSD    float64   `json:"actual_cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// RewardEntry captures the features and outcome of a routing decision
// for contextual bandit reward logging (RL-based routing data collection).
type RewardEntry struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id,omitempty"`
	ModelID         string    `json:"model_id"`
	ProviderID      string    `json:"provider_id"`
	Mode            string    `json:"mode"`
	EstimatedTokens int       `json:"estimated_tokens"`
	TokenBucket     string    `json:"token_bucket"`
	LatencyBudgetMs int       `json:"latency_budget_ms"`
	LatencyMs       float64   `json:"latency_ms"`
	CostUSD         float64   `json:"cost_usd"`
	Success         bool      `json:"success"`
	ErrorClass      string    `json:"error_class,omitempty"`
	Reward          float64   `json:"reward"`
}
