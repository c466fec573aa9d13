package assignment

// Transfer outcome methods, recorded in history notes and results.
const (
	MethodTarget      = "target"
	MethodAffinity    = "affinity"
	MethodLLM         = "llm"
	MethodLoadBalance = "load_balance"
	MethodQueued      = "queued"
	MethodAwaiting    = "awaiting_assignment"
	MethodAssigned    = "already_assigned"
)

// TransferOptions steers one transfer-to-operator run.
type TransferOptions struct {
	// TargetStaffID bypasses candidate selection when set.
	TargetStaffID *string
	// Source labels the decision origin (MANUAL, LLM, RULE, TRANSFER).
	Source string
	// VisitorMessage is the message that triggered the transfer; it feeds
	// the dispatcher prompt and the audit row.
	VisitorMessage *string
	Reason         *string
	// AssignedByStaffID is the operator who initiated a manual transfer.
	AssignedByStaffID *string
	// AllowQueue enqueues the visitor when no operator is available.
	// Without it the transfer returns an awaiting-assignment result.
	AllowQueue bool
	// SkipAssignedCheck queues the visitor even when their open session
	// already carries an operator.
	SkipAssignedCheck bool
	Priority          int
}

// TransferResult is the outcome of one transfer run.
type TransferResult struct {
	Success         bool    `json:"success"`
	Method          string  `json:"method"`
	AssignedStaffID *string `json:"assigned_staff_id,omitempty"`
	SessionID       *string `json:"session_id,omitempty"`
	WaitingQueueID  *string `json:"waiting_queue_id,omitempty"`
	QueuePosition   *int    `json:"queue_position,omitempty"`
	Message         string  `json:"message"`
}

// RuleInput is the writable surface of the per-project routing rule.
type RuleInput struct {
	MaxConcurrentChats      *int    `json:"max_concurrent_chats"`
	ServiceWeekdays         []int   `json:"service_weekdays"`
	ServiceStartTime        *string `json:"service_start_time"`
	ServiceEndTime          *string `json:"service_end_time"`
	Timezone                *string `json:"timezone"`
	LLMAssignmentEnabled    *bool   `json:"llm_assignment_enabled"`
	AIProviderID            *string `json:"ai_provider_id"`
	Model                   *string `json:"model"`
	EffectivePrompt         *string `json:"effective_prompt"`
	QueueWaitTimeoutMinutes *int    `json:"queue_wait_timeout_minutes"`
}
