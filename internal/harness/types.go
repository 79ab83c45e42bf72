package harness

import "github.com/roach88/tasksync/internal/journal"

// StepResult records what one step returned.
type StepResult struct {
	Index  int      `json:"index"`
	Action string   `json:"action"`
	Token  string   `json:"token,omitempty"`
	Key    string   `json:"key,omitempty"`
	Status string   `json:"status,omitempty"`
	Error  string   `json:"error,omitempty"`
	Result string   `json:"result,omitempty"`
	Failed []string `json:"failed,omitempty"`
	Start  int      `json:"start,omitempty"`
	End    int      `json:"end,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Steps holds one entry per executed step.
	Steps []StepResult `json:"steps"`

	// Journal is the session journal at the end of the run.
	Journal []journal.Entry `json:"-"`

	// Errors lists expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult returns an empty passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
