package schema

// Event type constants for the append-only run log.
const (
	EventRunStarted   = "run_started"
	EventRunCancelled = "run_cancelled"

	EventStepStart    = "step_start"
	EventStepComplete = "step_complete"
	EventStepSkip     = "step_skip"
	EventStepFailed   = "step_failed"
	EventStepDenied   = "step_denied"
	EventStepRetry    = "step_retry"

	EventIterationStart    = "iteration_start"
	EventIterationComplete = "iteration_complete"
	EventBranchComplete    = "branch_complete"

	EventProcedureComplete = "procedure_complete"

	EventStageStarted      = "stage_started"
	EventItemDone          = "item_done"
	EventItemFailed        = "item_failed"
	EventPipelineComplete  = "pipeline_complete"
	EventPipelineResumed   = "pipeline_resumed"
	EventGovernanceWarning = "governance_warning"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusResolving StepStatus = "resolving"
	StepStatusGated     StepStatus = "gated"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether a step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusSkipped, StepStatusFailed:
		return true
	}
	return false
}

// ItemStatus represents the per-item state tracked by the pipeline executor.
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusDone    ItemStatus = "done"
	ItemStatusFailed  ItemStatus = "failed"
)
