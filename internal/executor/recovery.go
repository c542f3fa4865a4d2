package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// FailureAnalysis lists the fixable problems found in a validation result.
type FailureAnalysis struct {
	Retryable bool
	Issues    []string
}

// ClassifyValidationFailure extracts issues from the results section of a
// validation report. A failure is retryable when it names at least one
// issue and none points at architecture or missing pieces.
func ClassifyValidationFailure(results json.RawMessage) FailureAnalysis {
	doc := gjson.ParseBytes(results)
	var issues []string

	if tests := doc.Get("tests"); tests.Exists() && !tests.Get("passed").Bool() {
		issues = append(issues, fmt.Sprintf("%d test(s) failing", count(tests.Get("failed_tests"))))
	}

	if tc := doc.Get("quality.type_check"); tc.Exists() && !passed(tc) {
		issues = append(issues, fmt.Sprintf("%d type error(s)", count(tc.Get("errors"))))
	}
	if lint := doc.Get("quality.linting"); lint.Exists() && !passed(lint) {
		issues = append(issues, fmt.Sprintf("%d linting error(s)", count(lint.Get("errors"))))
	}

	if sec := doc.Get("security"); sec.Exists() {
		if secrets := sec.Get("secrets_found"); secrets.Bool() || (secrets.IsArray() && count(secrets) > 0) {
			issues = append(issues, "Secrets detected in code")
		}
		if n := count(sec.Get("vulnerabilities")); n > 0 {
			issues = append(issues, fmt.Sprintf("%d security vulnerabilities", n))
		}
	}

	retryable := len(issues) > 0
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		if strings.Contains(lower, "architecture") || strings.Contains(lower, "missing") {
			retryable = false
		}
	}
	return FailureAnalysis{Retryable: retryable, Issues: issues}
}

// FailedChecks names the failing check groups for the recovery prompt.
func FailedChecks(results json.RawMessage) []string {
	doc := gjson.ParseBytes(results)
	var checks []string
	if tests := doc.Get("tests"); tests.Exists() && !passed(tests) {
		checks = append(checks, "Tests failing")
	}
	if tc := doc.Get("quality.type_check"); tc.Exists() && !passed(tc) {
		checks = append(checks, "Type checking errors")
	}
	if lint := doc.Get("quality.linting"); lint.Exists() && !passed(lint) {
		checks = append(checks, "Linting errors")
	}
	if sec := doc.Get("security"); sec.Exists() {
		secrets := sec.Get("secrets_found")
		if secrets.Bool() || (secrets.IsArray() && count(secrets) > 0) || count(sec.Get("vulnerabilities")) > 0 {
			checks = append(checks, "Security issues")
		}
	}
	return checks
}

// FormatFailedChecks renders checks as "- X" lines.
func FormatFailedChecks(checks []string) string {
	if len(checks) == 0 {
		return "- Validation failed (no specific checks reported)"
	}
	lines := make([]string, len(checks))
	for i, c := range checks {
		lines[i] = "- " + c
	}
	return strings.Join(lines, "\n")
}

// transientPatterns mark errors likely to succeed on a later attempt.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"network",
	"connection",
	"temporary",
	"unavailable",
	"rate limit",
}

// IsTransientError reports whether an error message looks transient.
func IsTransientError(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// passed treats an absent "passed" field as passing.
func passed(r gjson.Result) bool {
	p := r.Get("passed")
	return !p.Exists() || p.Bool()
}

// count reads a field that may be a number or a list.
func count(r gjson.Result) int {
	switch {
	case r.IsArray():
		return len(r.Array())
	case r.Type == gjson.Number:
		return int(r.Int())
	default:
		return 0
	}
}
