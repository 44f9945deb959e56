package engine

import (
	"fmt"
	"strings"

	"prodline/internal/domain"
)

// InvalidTransitionError rejects a card stage change that the state machine does not allow.
type InvalidTransitionError struct {
	CardID  string
	From    domain.Stage
	To      domain.Stage
	Allowed []domain.Stage
	Reason  string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Allowed) > 0 {
		msg += fmt.Sprintf(" (allowed: %s)", strings.Join(domain.StageStrings(e.Allowed), ", "))
	}
	return msg
}

// IncompleteRequiredTasksError lists the required tasks still open in a stage.
type IncompleteRequiredTasksError struct {
	CardID  string
	Stage   domain.Stage
	TaskIDs []string
}

func (e IncompleteRequiredTasksError) Error() string {
	return fmt.Sprintf("stage %s has %d incomplete required task(s)", e.Stage, len(e.TaskIDs))
}

// InvalidTaskTransitionError rejects a task status change.
type InvalidTaskTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e InvalidTaskTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// InvalidCorrectionStateError rejects a lifecycle operation for the correction's current status.
type InvalidCorrectionStateError struct {
	ID        string
	Status    string
	Operation string
}

func (e InvalidCorrectionStateError) Error() string {
	return fmt.Sprintf("cannot %s correction %s in status %s", e.Operation, e.ID, e.Status)
}

// ConcurrentModificationError reports that the card moved between read and write.
type ConcurrentModificationError struct {
	CardID   string
	Expected domain.Stage
	Actual   domain.Stage
}

func (e ConcurrentModificationError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("card %s was modified concurrently (expected stage %s)", e.CardID, e.Expected)
	}
	return fmt.Sprintf("card %s was modified concurrently (expected stage %s, found %s)", e.CardID, e.Expected, e.Actual)
}

// TemplateNotFoundError reports that no template could supply a checklist.
type TemplateNotFoundError struct {
	OrgID        string
	OrderType    string
	PropertyType string
	Stage        domain.Stage
}

func (e TemplateNotFoundError) Error() string {
	msg := fmt.Sprintf("no production template for org %s", e.OrgID)
	if e.OrderType != "" || e.PropertyType != "" {
		msg += fmt.Sprintf(" (order type %q, property type %q)", e.OrderType, e.PropertyType)
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" covers stage %s", e.Stage)
	}
	return msg
}

// ValidationError is a malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}
