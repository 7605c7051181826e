package api

import (
	"errors"
	"fmt"
	"net/http"

	"forged/services/pipeline"
)

const completedMessage = "Task completed successfully"

type taskResponse struct {
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	RepoURL  string `json:"repo_url,omitempty"`
	PagesURL string `json:"pages_url,omitempty"`
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, a.status(http.StatusBadRequest), fmt.Errorf("invalid JSON: %w", err))
		return
	}

	res := a.runner.Handle(r.Context(), req)

	switch res.Status {
	case pipeline.StatusCompleted:
		respondJSON(w, http.StatusOK, taskResponse{
			Message:  completedMessage,
			RepoURL:  res.RepoURL,
			PagesURL: res.PagesURL,
		})
	case pipeline.StatusUnconfirmed:
		respondJSON(w, a.status(http.StatusAccepted), taskResponse{
			Error:    pipeline.NotificationFailureMessage,
			RepoURL:  res.RepoURL,
			PagesURL: res.PagesURL,
		})
	default:
		a.logger.Debug().Str("run_id", res.RunID).Str("status", string(res.Status)).Str("stage", string(res.Stage)).Msg("submission not completed")
		respondError(w, a.status(failureStatus(res)), res.Err)
	}
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	for _, check := range a.config.Checks {
		if err := check.Probe(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, fmt.Errorf("%s: %w", check.Name, err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// status returns code under strict mode and 200 otherwise.
func (a *API) status(code int) int {
	if a.config.StrictStatusCodes {
		return code
	}
	return http.StatusOK
}

func failureStatus(res pipeline.Result) int {
	if res.Status == pipeline.StatusRejected || errors.Is(res.Err, pipeline.ErrValidation) {
		return http.StatusBadRequest
	}
	switch res.Stage {
	case pipeline.StageSynthesis, pipeline.StagePublication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
