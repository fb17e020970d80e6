package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates issues that stop a flow from being built from
// those that are only reported.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem in a flow definition. Path points into the
// definition, e.g. "nodes.confirm.functions[1].next".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while building a flow graph.
// Errors make construction fail; warnings (unreachable nodes, role messages
// off the initial node) do not.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the flow can be built.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues; nil is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a buildable flow, otherwise a CONFIGURATION_ERROR
// naming the first issue and carrying all of them in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	var msg strings.Builder
	if n := len(r.Errors); n > 1 {
		fmt.Fprintf(&msg, "flow definition has %d errors, first: ", n)
	}
	msg.WriteString(r.Errors[0].String())

	return NewError(ErrCodeConfiguration, msg.String()).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
