// Package consensus implements the two-phase-commit decision core that
// circuitd runs per context (one replicated service instance on one circuit).
//
// The protocol states:
//
//	waiting_for_start → voting → voted → committed | aborted
//	                  ↘ waiting_for_vote_request ↗
//
// The coordinator path solicits votes from every participant, tallies the
// responses, and announces commit (all yes) or abort (any no, or timeout).
// The participant path votes when asked and, if its vote was cast but no
// decision arrives, pulls the decision from the coordinator with
// decision-request retries. Terminal states end the epoch; the next start
// begins a strictly larger epoch on the same context.
//
// Machine.Process is a pure function from (context, event) to (context,
// actions). It performs no I/O and never reads the clock: timer deadlines
// derive from event timestamps. That determinism is what makes crash
// recovery correct — replaying a persisted event against the persisted prior
// context reproduces exactly the effects that were computed before the
// crash, so unexecuted actions can simply be dispatched again.
//
// Protocol-level surprises (stale epochs, out-of-role messages, duplicates)
// are not errors: they produce message-dropped notifications or idempotent
// re-sends of the recorded decision. Errors are reserved for invariant
// violations in persisted state, which fail the one affected context.
package consensus
