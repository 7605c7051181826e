package pipeline

import (
	"encoding/json"
)

// TaskRequest is one submission. All seven fields are required; see Validate.
type TaskRequest struct {
	Email         string `json:"email"`
	Secret        string `json:"secret"`
	Task          string `json:"task" validate:"reponame"`
	Round         int    `json:"round"`
	Nonce         string `json:"nonce"`
	Brief         string `json:"brief"`
	EvaluationURL string `json:"evaluation_url" validate:"http_url"`

	// present records which keys appeared in the decoded JSON body. Nil means the request was
	// built in code and every field counts as supplied.
	present map[string]bool
}

// UnmarshalJSON decodes the request and remembers which keys were supplied so that a missing
// round can be told apart from round zero.
func (r *TaskRequest) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}

	type plain TaskRequest
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	*r = TaskRequest(decoded)
	r.present = make(map[string]bool, len(keys))
	for k, v := range keys {
		if string(v) != "null" {
			r.present[k] = true
		}
	}
	return nil
}

func (r TaskRequest) has(key string) bool {
	if r.present == nil {
		return true
	}
	return r.present[key]
}

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusRejected    Status = "rejected"
	StatusFailed      Status = "failed"
	StatusUnconfirmed Status = "unconfirmed"
	StatusCompleted   Status = "completed"
)

// Stage names a pipeline step for events, metrics and failures.
type Stage string

const (
	StageValidation   Stage = "validation"
	StageSynthesis    Stage = "synthesis"
	StageStorage      Stage = "storage"
	StagePublication  Stage = "publication"
	StageNotification Stage = "notification"
)

// Result is what Handle reports for one run. Success is true only for StatusCompleted.
type Result struct {
	RunID     string
	Status    Status
	Success   bool
	Stage     Stage
	RepoURL   string
	PagesURL  string
	CommitRef string
	Err       error
}
