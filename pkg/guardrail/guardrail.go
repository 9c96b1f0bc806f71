package guardrail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/calyptra/drover/pkg/types"
)

// forbiddenFields are metadata keys that would carry LLM prompt or
// response content. Matching is case-insensitive on the exact name.
var forbiddenFields = []string{
	"prompt",
	"response",
	"prompt_content",
	"response_content",
	"messages",
	"completion_text",
}

// CheckFields rejects any map carrying a forbidden content key. The
// returned error wraps types.ErrGuardrailViolation and names the first
// offending key; the caller must abort the write.
func CheckFields(fields map[string]any) error {
	for key := range fields {
		lower := strings.ToLower(key)
		for _, forbidden := range forbiddenFields {
			if lower == forbidden {
				return fmt.Errorf("field %q carries llm content: %w", key, types.ErrGuardrailViolation)
			}
		}
	}
	return nil
}

// CheckLLMCall validates an LLMCall record before persistence.
func CheckLLMCall(call *types.LLMCall) error {
	if err := CheckFields(call.Metadata); err != nil {
		return fmt.Errorf("llm call %s: %w", call.ID, err)
	}
	return nil
}

// CheckStepInputs validates agent step inputs before persistence.
func CheckStepInputs(step *types.AgentStep) error {
	if err := CheckFields(step.Inputs); err != nil {
		return fmt.Errorf("agent step %d: %w", step.StepIndex, err)
	}
	return nil
}

var redactions = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// api_key=..., apikey: "...", api-key = '...'
	{
		pattern: regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)["']?[A-Za-z0-9_\-]{8,}["']?`),
		replace: `$1[REDACTED]`,
	},
	// Authorization bearer tokens
	{
		pattern: regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
		replace: `$1[REDACTED]`,
	},
	// password=..., password: ...
	{
		pattern: regexp.MustCompile(`(?i)(password\s*[:=]\s*)\S+`),
		replace: `$1[REDACTED]`,
	},
	// IPv4 addresses
	{
		pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		replace: `[IP]`,
	},
}

// Redact substitutes credential values and IPv4 addresses in s. The
// filter only narrows output: a pattern that fails to match leaves the
// input untouched.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replace)
	}
	return s
}
