package engine

import (
	"context"
	"errors"

	"dealline/internal/domain"
	"dealline/internal/intent"
	"dealline/internal/repo"
	"dealline/internal/stage"
)

// Classification reason codes. Business outcomes are reported here,
// not as errors; the error return is reserved for storage failures.
const (
	StatusApplied         = "APPLIED"
	StatusNoMatch         = "NO_MATCH"
	StatusProjectNotFound = "PROJECT_NOT_FOUND"
	StatusApplyFailed     = "APPLY_FAILED"
)

type ClassifyResult struct {
	OK           bool         `json:"ok"`
	Status       string       `json:"status"`
	ProjectID    string       `json:"projectId,omitempty"`
	CurrentStage string       `json:"currentStage,omitempty"`
	From         string       `json:"from,omitempty"`
	To           string       `json:"to,omitempty"`
	Deadline     string       `json:"deadline,omitempty"`
	Note         string       `json:"note,omitempty"`
	EventID      string       `json:"eventId,omitempty"`
	Message      string       `json:"message,omitempty"`
	Deal         *domain.Deal `json:"project,omitempty"`
}

// ClassifyIntent matches chat text against the deal's live stage and,
// on a match, applies the full transition through ApplyTransition. A
// failed apply leaves no partial state behind.
func (e Engine) ClassifyIntent(ctx context.Context, projectID, text, source string) (ClassifyResult, error) {
	if source == "" {
		source = "roadmap"
	}
	d, err := e.Repo.GetDeal(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return ClassifyResult{Status: StatusProjectNotFound, ProjectID: projectID}, nil
	}
	if err != nil {
		return ClassifyResult{}, err
	}

	current := stage.Normalize(d.Stage)
	match, ok := e.Classifier.Classify(current, text)
	if !ok {
		return ClassifyResult{
			Status:       StatusNoMatch,
			ProjectID:    projectID,
			CurrentStage: string(current),
		}, nil
	}

	deadline := intent.ResolveDeadline(text, match.OffsetDays, e.now())
	after, eventID, err := e.ApplyTransition(ctx, TransitionOptions{
		ProjectID: projectID,
		Stage:     string(match.Target),
		Deadline:  deadline,
		Note:      match.Note,
		Source:    source,
	})
	if err != nil {
		return ClassifyResult{
			Status:       StatusApplyFailed,
			ProjectID:    projectID,
			CurrentStage: string(current),
			Message:      err.Error(),
		}, nil
	}
	return ClassifyResult{
		OK:           true,
		Status:       StatusApplied,
		ProjectID:    projectID,
		CurrentStage: string(current),
		From:         string(current),
		To:           string(match.Target),
		Deadline:     deadline,
		Note:         match.Note,
		EventID:      eventID,
		Deal:         &after,
	}, nil
}
