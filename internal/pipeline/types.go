// Package pipeline implements the gateway's staged request dispatcher: the
// ten-stage sequence (validate, prompt safety, rate limit, budget, cache,
// route, execute, post-process, response safety, finalize) that turns an
// InferenceRequest into an InferenceResponse, wiring together registry,
// routing, circuit, cache, ratelimit, budget, queue, safety, credential,
// tokencount and events.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/routing"
)

// Role is the speaker of one message in a LogicalPrompt.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// ToolResult is the caller's answer to a prior ToolCall.
type ToolResult struct {
	ToolCallID  string
	ContentJSON string
}

// ToolDescriptor describes one tool available to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	ParamsJSON  string
}

// Message is one turn of a LogicalPrompt.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// LogicalPrompt is the provider-agnostic prompt shape. The dispatcher turns
// it into providers.Message values (toProviderMessages), and each adapter
// translates those into its own wire format.
type LogicalPrompt struct {
	System       string
	Messages     []Message
	Tools        []ToolDescriptor
	OutputSchema *json.RawMessage
}

// LatencyClass bounds the acceptable p99 for a candidate model.
type LatencyClass string

const (
	LatencyRealtime    LatencyClass = "REALTIME"
	LatencyInteractive LatencyClass = "INTERACTIVE"
	LatencyBatch       LatencyClass = "BATCH"
)

// TokenBudget bounds input/output size and spend for one request.
type TokenBudget struct {
	MaxInput     int
	MaxOutput    int
	MaxCostCents int64
}

// RoutingHints are optional steers on candidate selection.
type RoutingHints struct {
	PreferredProvider string
	AllowFallback     bool
	CacheEnabled      bool
	AllowCompression  bool
	CostPreference    routing.Strategy
}

// ResidencyConstraints restrict candidates by region/provider.
type ResidencyConstraints struct {
	AllowedRegions    []string
	ExcludedProviders []string
}

// InferenceRequest is the pipeline's input contract.
type InferenceRequest struct {
	RequestID      string
	Principal      string
	OrgID          string
	ProjectID      string
	AgentID        string
	Prompt         LogicalPrompt
	Capabilities   []string
	LatencyClass   LatencyClass
	Budget         TokenBudget
	Hints          RoutingHints
	Residency      ResidencyConstraints
	Deadline       time.Time
	Metadata       map[string]string
	SemanticScope  string // cache category, e.g. "factual_qa"
	Priority       int    // 1..3, for queue admission
}

// InferenceResponse is the pipeline's output contract.
type InferenceResponse struct {
	RequestID    string
	Model        string
	Provider     string
	Region       string
	Content      string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	CostCents    float64
	Cached       bool
	FlaggedSafe  []string // categories flagged but not blocked
	DecisionTag  string
}

// Chunk is one streamed frame of an InferenceResponse in progress.
type Chunk struct {
	Content      string
	ToolCall     *ToolCall
	FinishReason string
	Usage        *providers.Usage // populated only on the terminal chunk, if known
}
