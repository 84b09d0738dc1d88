package agent

// Agent names; also used as routing targets.
const (
	AgentPlanner    = "planner"
	AgentIdentifier = "identifier"
	AgentValidator  = "validator"
)

// Hand-off destinations carried in Communication.To.
const (
	destPlanner        = "planner"
	destIdentification = "identification"
	destVerification   = "verification"
)

// Verification states of a detected event.
const (
	VerificationPending = "not verified"
	VerificationKeep    = "keep"
	VerificationRemove  = "remove"
)

// PlanItem is one subtask in the planner's strategy.
type PlanItem struct {
	TaskID          string `json:"task_id"`
	TaskDescription string `json:"task_description"`
	TaskType        string `json:"task_type"` // identification or verification
	IsDone          bool   `json:"is_done"`
}

// IdentifierTask is an identification assignment handed to the identifier.
// PotentialWindows are widened by the planner node before hand-off.
type IdentifierTask struct {
	TaskID           string   `json:"task_id"`
	TaskType         string   `json:"task_type"`
	Instructions     []string `json:"instructions"`
	EventsName       []string `json:"events_name"`
	PotentialWindows [][2]int `json:"potential_windows"`
}

// ValidatorTask is a verification assignment handed to the validator.
type ValidatorTask struct {
	TaskID           string   `json:"task_id"`
	TaskType         string   `json:"task_type"`
	Instructions     []string `json:"instructions"`
	EventsToVerify   []string `json:"events_to_verify"`
	PotentialWindows [][2]int `json:"potential_windows"`
}

// Event is one detected occurrence, keyed by (EventName, StartIndex,
// EndIndex) in the state's event set.
type Event struct {
	EventID              string `json:"event_id"`
	EventName            string `json:"event_name"`
	StartIndex           int    `json:"start_index"`
	EndIndex             int    `json:"end_index"`
	VisualPattern        string `json:"visual_pattern"`
	NeedVerification     bool   `json:"need_verification"`
	VerificationGuidance string `json:"verification_guidance"`
	VerificationResult   string `json:"verification_result"`
}

// FinalEvent is one entry of the planner's final result.
type FinalEvent struct {
	EventName string `json:"event_name"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// IdentifierResult is the identifier's task summary.
type IdentifierResult struct {
	TaskID          string  `json:"task_id"`
	Status          bool    `json:"status"`
	EventsFound     []Event `json:"events_found"`
	Recommendations string  `json:"recommendations"`
}

// ValidationResult is the validator's verdict on one event.
type ValidationResult struct {
	EventID string `json:"event_id"`
	Remove  bool   `json:"remove"`
}

// ValidatorResult is the validator's task summary.
type ValidatorResult struct {
	TaskID            string             `json:"task_id"`
	Status            bool               `json:"status"`
	ValidationResults []ValidationResult `json:"validation_results"`
	Recommendations   string             `json:"recommendations"`
}

// AdditionalInfo carries the planner's structured decision. Exactly one
// field is populated per response.
type AdditionalInfo struct {
	Plan           []PlanItem      `json:"plan,omitempty"`
	IdentifierTask *IdentifierTask `json:"identifier_task,omitempty"`
	ValidatorTask  *ValidatorTask  `json:"validator_task,omitempty"`
	FinalResult    []FinalEvent    `json:"final_result,omitempty"`
}

// plannerResponse is the planner's structured output.
type plannerResponse struct {
	RawMessage     string          `json:"raw_message"`
	ToolCall       string          `json:"tool_call,omitempty"`
	AdditionalInfo *AdditionalInfo `json:"additional_info,omitempty"`
}

// identifierResponse is the identifier's structured output.
type identifierResponse struct {
	RawMessage string            `json:"raw_message"`
	ToolCall   string            `json:"tool_call,omitempty"`
	TaskResult *IdentifierResult `json:"task_result,omitempty"`
}

// validatorResponse is the validator's structured output.
type validatorResponse struct {
	RawMessage string           `json:"raw_message"`
	ToolCall   string           `json:"tool_call,omitempty"`
	TaskResult *ValidatorResult `json:"task_result,omitempty"`
}

// Communication is the single in-flight hand-off between nodes. Exactly one
// payload field is set, matching From/To.
type Communication struct {
	From             string
	To               string
	IdentifierTask   *IdentifierTask
	ValidatorTask    *ValidatorTask
	IdentifierResult *IdentifierResult
	ValidatorResult  *ValidatorResult
}
