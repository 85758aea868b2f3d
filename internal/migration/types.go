// Package migration defines the data model shared by every component of
// the strangler-fig migration control plane: requests and results
// exchanged with generation engines, routing decisions, and the
// discrepancy vocabulary produced by canary comparisons.
package migration

import (
	"context"
	"time"
)

// Engine identifies which generation engine produced a result or should
// serve a request.
type Engine string

const (
	EngineLegacy Engine = "legacy"
	EngineNew    Engine = "new"
)

// GenerationRequest is the unit of work handed to the router and adapter.
// It is immutable per invocation; callers must not mutate Options or
// Context after submitting a request.
type GenerationRequest struct {
	RoutingKey string
	Options    map[string]any
	Context    map[string]any
}

// ModelDescriptor names one generated data-layer model.
type ModelDescriptor struct {
	TableName string
	ClassName string
	KebabName string
	FileCount int
}

// GeneratedFile is one file emitted by a generation engine.
type GeneratedFile struct {
	Path    string
	Content string
}

// GenerationResult is returned by value from an engine; the adapter takes
// exclusive ownership of it thereafter.
type GenerationResult struct {
	Success         bool
	ExecutionTime   time.Duration
	GeneratedModels []ModelDescriptor
	GeneratedFiles  []GeneratedFile
	Errors          []string
	Statistics      map[string]any
}

// GenerationEngine is the contract both legacy and new engines satisfy.
// A returned error and a result with Success=false are both treated as
// failure by callers; engines must not mutate external state other than
// the filesystem writes represented in GeneratedFiles.
type GenerationEngine interface {
	Execute(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// RoutingReason names why the router chose the engine it chose.
type RoutingReason string

const (
	ReasonPercentage   RoutingReason = "percentage"
	ReasonForcedTable  RoutingReason = "forced_table"
	ReasonOverride     RoutingReason = "override"
	ReasonBreakerOpen  RoutingReason = "breaker_open"
	ReasonRolledBack   RoutingReason = "rolled_back"
)

// RoutingDecision is immutable, logged but never persisted.
type RoutingDecision struct {
	Engine         Engine
	Reason         RoutingReason
	CanaryRequested bool
	DecidedAt      time.Time
}

// Severity classifies a Discrepancy.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// DiscrepancyKind enumerates the comparator's taxonomy of differences.
type DiscrepancyKind string

const (
	KindSuccessStatus        DiscrepancyKind = "success_status"
	KindModelCount           DiscrepancyKind = "model_count"
	KindFileCount            DiscrepancyKind = "file_count"
	KindModelStructure       DiscrepancyKind = "model_structure"
	KindModelMissing         DiscrepancyKind = "model_missing"
	KindFileContent          DiscrepancyKind = "file_content"
	KindFileMissing          DiscrepancyKind = "file_missing"
	KindPerformanceRegression DiscrepancyKind = "performance_regression"
	KindComparisonError      DiscrepancyKind = "comparison_error"
)

// Discrepancy is a single named difference between two GenerationResults.
type Discrepancy struct {
	Severity Severity
	Kind     DiscrepancyKind
	Message  string
	Details  map[string]any
}

// FileComparison records the outcome of comparing one matched file path.
type FileComparison struct {
	Path    string
	Matched bool
	Reason  string
}

// ModelComparison records the outcome of comparing one matched model.
type ModelComparison struct {
	TableName string
	Matched   bool
	Reason    string
}

// PerformanceAnalysis summarizes the timing delta of a canary run.
type PerformanceAnalysis struct {
	LegacyMillis float64
	NewMillis    float64
	DeltaMillis  float64
	Regression   bool
}

// ComparisonResult is transient: produced per canary, logged, and discarded.
type ComparisonResult struct {
	OverallMatch       bool
	Critical           []Discrepancy
	Warning            []Discrepancy
	Info               []Discrepancy
	FileComparisons    []FileComparison
	ModelComparisons   []ModelComparison
	PerformanceAnalysis PerformanceAnalysis
}

// PerformanceSample is one entry of the adapter's bounded ring buffer.
type PerformanceSample struct {
	LegacyTime     time.Duration
	NewTime        time.Duration
	CanaryOverhead time.Duration
	SampledAt      time.Time
}

// RollbackTrigger names what caused a RollbackEvent.
type RollbackTrigger string

const (
	TriggerAutoBreaker     RollbackTrigger = "auto_breaker"
	TriggerManualEmergency RollbackTrigger = "manual_emergency"
	TriggerPlanned         RollbackTrigger = "planned"
)

// StepStatus is the outcome of one rollback step.
type StepStatus string

const (
	StepOK     StepStatus = "ok"
	StepFailed StepStatus = "failed"
)

// RecoveryStep is one named unit of the rollback procedure with its own
// success/failure and duration, never relying on exception flow for
// control.
type RecoveryStep struct {
	Name     string
	Status   StepStatus
	Duration time.Duration
	Error    string
}

// RollbackEvent is one append-only history entry.
type RollbackEvent struct {
	ID            string
	Trigger       RollbackTrigger
	Reason        string
	Operator      string
	ScheduledAt   *time.Time
	OccurredAt    time.Time
	Succeeded     bool
	Errors        []string
	RecoverySteps []RecoveryStep
}
