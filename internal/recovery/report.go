package recovery

import (
	"fmt"
	"strings"
)

// Report aggregates the error history.
type Report struct {
	Total       int              `json:"total"`
	Recoverable int              `json:"recoverable"`
	BySeverity  map[Severity]int `json:"by_severity"`
	ByComponent map[string]int   `json:"by_component"`
	Errors      []ErrorContext   `json:"errors"`
}

// NewReport builds a Report from history.
func NewReport(history []ErrorContext) Report {
	r := Report{
		BySeverity:  map[Severity]int{},
		ByComponent: map[string]int{},
		Errors:      history,
	}
	for _, ec := range history {
		r.Total++
		r.BySeverity[ec.Severity]++
		r.ByComponent[ec.Component]++
		if ec.Recoverable {
			r.Recoverable++
		}
	}
	return r
}

// Report returns the aggregated error history.
func (p *Policy) Report() Report {
	return NewReport(p.History())
}

var severityOrder = []Severity{SeverityFatal, SeverityError, SeverityWarning}

// Format renders r as plain text grouped by severity.
func (r Report) Format() string {
	if r.Total == 0 {
		return "No errors recorded.\n"
	}
	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nERROR REPORT\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Total errors: %d (%d recoverable)\n", r.Total, r.Recoverable)

	for _, sev := range severityOrder {
		n := r.BySeverity[sev]
		if n == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d):\n%s\n", strings.ToUpper(string(sev)), n, strings.Repeat("-", 80))
		i := 0
		for _, ec := range r.Errors {
			if ec.Severity != sev {
				continue
			}
			i++
			fmt.Fprintf(&b, "%d. [%s] %s\n", i, ec.Component, ec.Operation)
			fmt.Fprintf(&b, "   Iteration: %d\n", ec.Iteration)
			fmt.Fprintf(&b, "   Message: %s\n", ec.Message)
			if ec.Suggestion != "" {
				fmt.Fprintf(&b, "   Suggestion: %s\n", ec.Suggestion)
			}
		}
	}
	fmt.Fprintf(&b, "%s\n", rule)
	return b.String()
}

// FormatErrorReport renders the current error history.
func (p *Policy) FormatErrorReport() string {
	return p.Report().Format()
}
