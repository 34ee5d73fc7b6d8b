package plan

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateContainerAssignment = errors.New("container claimed by more than one role")
	ErrUnresolvedTemplateVariable   = errors.New("unresolved template variable")
	ErrContainerSelector            = errors.New("invalid container selector")
	ErrUnknownRole                  = errors.New("unknown role")
	ErrInvalidRole                  = errors.New("invalid role definition")
)

// TemplateError reports a placeholder that could not be substituted.
type TemplateError struct {
	Placeholder string
	Role        string
	ContainerID int
	Template    string
}

func (e *TemplateError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("unresolved template variable {%s}", e.Placeholder)
	}
	return fmt.Sprintf("unresolved template variable {%s} in role %q for container %d", e.Placeholder, e.Role, e.ContainerID)
}

func (e *TemplateError) Unwrap() error {
	return ErrUnresolvedTemplateVariable
}

// SelectorError describes why a role's container selector is unusable.
type SelectorError struct {
	Role     string
	Selector string
	Reason   string
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("role %q: selector %q: %s", e.Role, e.Selector, e.Reason)
}

func (e *SelectorError) Unwrap() error {
	return ErrContainerSelector
}
