// Package kernel holds the shared data model for the orchestration kernel:
// requests, subtasks, models, responses and the records that thread through
// the Analysis -> Decomposer -> Router -> Executor -> Arbiter -> Synthesizer
// pipeline. Nothing in this package talks to a network or a database; it is
// pure data plus the small helpers that keep invariants easy to check.
package kernel

import "time"

// ExecutionMode selects the decomposition depth, parallelism cap and
// model preferences used for a request.
type ExecutionMode string

const (
	ModeFast        ExecutionMode = "FAST"
	ModeBalanced    ExecutionMode = "BALANCED"
	ModeBestQuality ExecutionMode = "BEST_QUALITY"
)

// Rank gives the total order FAST < BALANCED < BEST_QUALITY used by the
// CostEngine's monotonicity invariant.
func (m ExecutionMode) Rank() int {
	switch m {
	case ModeFast:
		return 0
	case ModeBalanced:
		return 1
	case ModeBestQuality:
		return 2
	default:
		return -1
	}
}

func (m ExecutionMode) Valid() bool { return m.Rank() >= 0 }

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusRunning   RequestStatus = "RUNNING"
	StatusSucceeded RequestStatus = "SUCCEEDED"
	StatusFailed    RequestStatus = "FAILED"
	StatusCancelled RequestStatus = "CANCELLED"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// TaskType classifies a Subtask for routing purposes. TaskTypePriority gives
// the tie-break order the Decomposer uses when a piece of content could be
// typed more than one way.
type TaskType string

const (
	TaskCodeGeneration TaskType = "CODE_GENERATION"
	TaskDebugging      TaskType = "DEBUGGING"
	TaskReasoning      TaskType = "REASONING"
	TaskResearch       TaskType = "RESEARCH"
	TaskFactCheck      TaskType = "FACT_CHECK"
	TaskVerification   TaskType = "VERIFICATION"
	TaskCreative       TaskType = "CREATIVE"
)

// TaskTypePriority lists task types from most to least specific; used to
// break ties when more than one type matches a piece of content.
var TaskTypePriority = []TaskType{
	TaskCodeGeneration,
	TaskDebugging,
	TaskReasoning,
	TaskResearch,
	TaskFactCheck,
	TaskVerification,
	TaskCreative,
}

// RiskLevel is inherited by an AgentResponse's SelfAssessment unless the
// provider response overrides it.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// AtLeastHigh reports whether r is HIGH or CRITICAL.
func (r RiskLevel) AtLeastHigh() bool { return r == RiskHigh || r == RiskCritical }

// SubtaskStatus mirrors RequestStatus but at subtask granularity.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskSucceeded SubtaskStatus = "SUCCEEDED"
	SubtaskFailed    SubtaskStatus = "FAILED"
)

// Complexity is the Analysis stage's label for a request, used to decide
// whether it bypasses decomposition entirely.
type Complexity string

const (
	ComplexityTrivial  Complexity = "TRIVIAL"
	ComplexitySimple   Complexity = "SIMPLE"
	ComplexityCompound Complexity = "COMPOUND"
	ComplexityComplex  Complexity = "COMPLEX"
)

// Bypasses reports whether this complexity level skips the Decomposer and
// runs as a single subtask identical to the raw input.
func (c Complexity) Bypasses() bool { return c == ComplexityTrivial || c == ComplexitySimple }

// Request is the top-level unit of work submitted by a principal.
type Request struct {
	ID            string
	Principal     string
	Role          string
	RawPrompt     string
	Mode          ExecutionMode
	Status        RequestStatus
	CreatedAt     time.Time
	CompletedAt   *time.Time
	Analysis      *AnalysisResult
	Subtasks      []*Subtask
	SelectionLog  []ProviderSelectionEntry
	FinalResponse *FinalResponse
	Err           error
}

// AnalysisResult is the Analysis stage's inspectable output.
type AnalysisResult struct {
	Intent     string
	Complexity Complexity
}

// Subtask is an atomic unit of work derived from a Request.
type Subtask struct {
	ID                 string
	RequestID          string
	Content            string
	TaskType           TaskType
	Priority           int
	RiskLevel          RiskLevel
	AccuracyRequirement float64
	AssignedModelID    string
	Status             SubtaskStatus
	EstimatedCostUSD   float64
	Responses          []*AgentResponse
	LastErr            error
}

// Model is an immutable catalog entry describing one (provider, model)
// pair's capabilities and pricing.
type Model struct {
	ID               string
	Provider         string
	SupportedTypes   map[TaskType]struct{}
	UnitPriceInput   float64 // USD per token
	UnitPriceOutput  float64 // USD per token
	TypicalLatencyMs int
	Reliability      float64 // [0,1]
	MaxContextTokens int
}

func (m *Model) Supports(t TaskType) bool {
	_, ok := m.SupportedTypes[t]
	return ok
}

// CostOf computes the price of a single run given actual token counts.
func (m *Model) CostOf(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.UnitPriceInput + float64(outputTokens)*m.UnitPriceOutput
}

// SelfAssessment accompanies every AgentResponse.
type SelfAssessment struct {
	Confidence   float64
	Assumptions  []string
	RiskLevel    RiskLevel
	InputTokens  int
	OutputTokens int
	ElapsedMs    int64
}

// AgentResponse is one ProviderClient call's immutable result.
type AgentResponse struct {
	SubtaskID  string
	ModelID    string
	Text       string
	Assessment SelfAssessment
	Timestamp  time.Time
	Success    bool
	UsedFallback    bool
	PrimaryModelID  string
	FallbackReason  string
}

// CostBreakdown is the explicit record type replacing an attribute-bag
// "cost_breakdown" field.
type CostBreakdown struct {
	TotalCostUSD      float64
	BySubtask         map[string]float64
	ByModel           map[string]float64
	TotalInputTokens  int
	TotalOutputTokens int
}

// ProviderSelectionEntry is one line of a request's routing audit trail.
type ProviderSelectionEntry struct {
	SubtaskID   string
	ModelID     string
	Reason      string
	Alternatives []string
	CostScore    float64
	LatencyScore float64
	Reliability  float64
}

// ArbitrationDecision records how the Arbiter resolved multiple candidate
// responses for one subtask.
type ArbitrationDecision struct {
	SubtaskID    string
	Kind         string // "resolved" | "inconclusive"
	WinningIndex int
	Responses    []*AgentResponse
}

// FinalResponse is the Synthesizer's terminal output.
type FinalResponse struct {
	Text                string
	OverallConfidence   float64
	Cost                CostBreakdown
	ModelsUsed          []string
	ProviderUsageSummary map[string]int
	SelectionLog        []ProviderSelectionEntry
	Arbitrations        []ArbitrationDecision
	PartialFailures     []string // subtask IDs that never produced a response
}

// BreakerState is the circuit-breaker state machine's three states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerRecord is a point-in-time, read-only snapshot of a provider's
// circuit breaker, suitable for exposing on Status/Result responses.
type BreakerRecord struct {
	Provider            string
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            *time.Time
	NextProbeAt         *time.Time
}

// ProgressKind enumerates the ProgressMessage kinds the pipeline emits, in
// the fixed order stages use them.
type ProgressKind string

const (
	KindConnectionEstablished ProgressKind = "connection_established"
	KindHeartbeat             ProgressKind = "heartbeat"
	KindAnalysisStarted       ProgressKind = "analysis_started"
	KindAnalysisComplete      ProgressKind = "analysis_complete"
	KindDecompositionComplete ProgressKind = "decomposition_complete"
	KindRoutingComplete       ProgressKind = "routing_complete"
	KindExecutionProgress     ProgressKind = "execution_progress"
	KindArbitrationDecision   ProgressKind = "arbitration_decision"
	KindSynthesisStarted      ProgressKind = "synthesis_started"
	KindFinalResponse         ProgressKind = "final_response"
	KindError                 ProgressKind = "error"
	KindCancelled             ProgressKind = "cancelled"
)

// ProgressMessage is one append-only entry in a request's ProgressBus
// mailbox.
type ProgressMessage struct {
	RequestID string
	Seq       uint64
	Kind      ProgressKind
	Payload   any
	CreatedAt time.Time
}
