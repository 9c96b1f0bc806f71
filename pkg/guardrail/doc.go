/*
Package guardrail enforces the privacy boundary around LLM traffic.

Two independent halves:

  - Persistence checks (CheckLLMCall, CheckStepInputs, CheckFields)
    reject writes whose metadata carries forbidden content fields such
    as prompt, response, or messages. A violation aborts the entire
    write; there is no partial persistence.

  - Redact scrubs api key and bearer token values, password
    assignments, and IPv4 addresses from log lines before emission.

The forbidden-field list is deliberately closed and case-insensitive.
Token counts, durations, model ids, and endpoint names are always safe
to persist; content never is.
*/
package guardrail
