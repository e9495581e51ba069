package engine

import (
	"errors"
	"fmt"
	"strings"

	"crmflow/internal/domain"
	"crmflow/internal/store"
)

// ErrNotFound is returned, wrapped, for missing stages, pipelines,
// onboarding records, tasks and requirements.
var ErrNotFound = store.ErrNotFound

// ValidationError is a malformed or inconsistent request.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IncompleteStageError rejects a manual completion of a stage with open work.
type IncompleteStageError struct {
	Completion domain.StageCompletion
}

func (e IncompleteStageError) Error() string {
	c := e.Completion
	if c.Total == 0 {
		return fmt.Sprintf("stage %s not complete: no tasks assigned", c.StageID)
	}
	return fmt.Sprintf("stage %s not complete: %d of %d tasks done", c.StageID, c.Completed, c.Total)
}

// TransitionError is a disallowed onboarding status change.
type TransitionError struct {
	From domain.OnboardingStatus
	To   domain.OnboardingStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid onboarding status transition %s -> %s", e.From, e.To)
}

// ActivationError lists the prerequisites that block activation.
type ActivationError struct {
	Unmet []string
}

func (e ActivationError) Error() string {
	return "activation requirements not met: " + strings.Join(e.Unmet, "; ")
}

func isClientError(err error) bool {
	var ve ValidationError
	var ie IncompleteStageError
	var te TransitionError
	var ae ActivationError
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) ||
		errors.As(err, &ve) || errors.As(err, &ie) || errors.As(err, &te) || errors.As(err, &ae)
}
