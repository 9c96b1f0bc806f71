/*
Package agent plans and executes autonomous multi-step runs.

Planning is deterministic and rules based: the operator goal is matched
against per-task keyword lists, constrained to the directive's task
list, and the ranked tasks become task_call steps with short wait steps
interleaved. No LLM is consulted to plan, so a stored plan never
contains prompt or response text.

Execution claims agent runs under the same TTL lease pattern the
scheduler and dispatcher use, so a crashed executor's runs are taken
over by another instance once the lease expires. Before every step the
executor reloads the run and checks budgets in a fixed order: step
count, wall time, tokens, then cancellation. task_call steps launch a
real Run through the dispatcher pipeline and fold its token total into
the agent budget; only the run id and an artifact path are recorded on
the step. Each step gets a bounded retry before the run is failed.

	claim -> running -> [budget check -> step -> extend claim]* -> terminal
*/
package agent
