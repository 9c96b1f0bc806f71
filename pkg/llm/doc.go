/*
Package llm is the completion endpoint client and token ledger.

The wire contract is a single POST of {model, prompt, max_tokens}
answered by {choices[], usage}. Choices are handed back to the calling
task for artifact synthesis; the client itself persists only an LLMCall
row with token counts, duration and a success flag. Failed calls are
ledgered too, with zero usage.

The 30 second default timeout surfaces slow endpoints as job failures
rather than hung ticks.
*/
package llm
