package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a problem found while loading a model. Path locates it
// in the document; Element is the qualifier of the process, node or socket
// it concerns, when that could be resolved.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Element  string             `json:"element,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	var b strings.Builder
	if i.Path != "" {
		b.WriteString(i.Path)
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	if i.Element != "" {
		fmt.Fprintf(&b, " (%s)", i.Element)
	}
	return b.String()
}

// ValidationResult collects the issues of one model document. Source names
// the document in the error built by ToError.
type ValidationResult struct {
	Source   string            `json:"source,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error was recorded. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// AddElementError records an error about the model element with the given
// qualifier.
func (r *ValidationResult) AddElementError(path, element, code, message string) {
	r.add(ValidationIssue{Path: path, Element: element, Code: code, Message: message, Severity: SeverityError})
}

// AddElementWarning is AddElementError for warnings.
func (r *ValidationResult) AddElementWarning(path, element, code, message string) {
	r.add(ValidationIssue{Path: path, Element: element, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *ValidationResult) add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	r.Errors = append(r.Errors, issue)
}

// Merge appends the issues of other. The source of r is kept.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ForElement returns the errors and warnings about the element with the given
// qualifier or anything inside it: a node matches its sockets, a process its
// nodes.
func (r *ValidationResult) ForElement(qualifier string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range list {
			if issue.Element == qualifier || strings.HasPrefix(issue.Element, qualifier+".") {
				out = append(out, issue)
			}
		}
	}
	return out
}

// ToError returns nil when the result is valid. Otherwise it returns a
// VALIDATION_ERROR carrying every issue; a single error becomes the message.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}
	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if r.Source != "" {
		msg = r.Source + ": " + msg
		details["source"] = r.Source
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
