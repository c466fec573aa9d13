package ai

// GeneratedQA is one question/answer pair produced from document sections.
// Section is the 1-based index of the source section within the submitted batch.
type GeneratedQA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Section  int    `json:"section,omitempty"`
}

// CandidateStaff describes one assignable operator for the selection prompt.
type CandidateStaff struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ActiveChats int    `json:"active_chats"`
}

// SelectStaffRequest carries everything the dispatcher prompt needs. ProviderID
// and Model override the configured assignment-model when the routing rule
// names its own provider.
type SelectStaffRequest struct {
	ProviderID     string
	Model          string
	RulePrompt     string
	VisitorMessage string
	Candidates     []CandidateStaff
}

// StaffSelection is the audited outcome of an LLM staff pick. Prompt and
// RawResponse are persisted verbatim into the assignment history.
type StaffSelection struct {
	StaffID     string
	Reasoning   string
	Model       string
	Prompt      string
	RawResponse string
}
