// Package engine provides the durable orchestration runtime of TeamCloud.
//
// # Overview
//
// Every mutation of a domain entity (organization, deployment scope,
// project, component, component task) arrives as a Command. The
// CommandService validates and admits the command, records a Pending
// CommandResult, and starts a top-level orchestration instance whose ID is
// the command ID. The instance runs the command workflow, which audits the
// command, routes it to the workflow registered for its kind and action,
// and finalizes the result.
//
// # Durable Execution
//
// Workflow bodies receive an OrchestrationContext. Each call on it is
// appended to the instance step log:
//
//   - CallActivity: run a side-effecting step with retry
//   - CallSubOrchestration: run a child workflow inline and wait for it
//   - StartOrchestration: start a detached top-level instance
//   - RaiseEvent / WaitForExternalEvent: exchange events between instances
//   - CreateTimer: durable sleep
//   - NewGUID / CurrentTime: values that stay stable across replays
//   - Lock: acquire resource locks in global order
//
// When a process restarts, Runner.Recover resumes every unfinished instance
// by re-running its body against the recorded log. Recorded steps return
// their stored outcome without repeating the side effect; a body that
// deviates from its log fails with NON_DETERMINISTIC.
//
// A body returns the error built by ContinueAsNew to restart itself with new
// input, an empty log, and an incremented generation. Long waits (ancestor
// guards, deployment polling, eternal refreshes) are expressed this way so
// the log never grows without bound.
//
// # Locks
//
// Entity mutations are serialized with locks owned by instance IDs. Keys
// render as "{kind}|{id}|{qualifiers}" and are always taken in ascending
// kind order, which rules out lock-order deadlocks between workflows. A
// lock held by a finished instance is released by the runner; locks of
// instances that died with the process are swept by Recover.
//
// # Error Classification
//
// Errors are classified for retry and reporting:
//
//   - Transient: temporary failures, retried
//   - Throttled: rate limiting, retried with a longer backoff
//   - Conflict: concurrent modification, retried
//   - Validation: malformed requests, never retried
//   - Permanent: non-recoverable failures, never retried
//
// Unclassified errors are treated as transient. ErrorDescriptor is the
// serializable form stored in step logs, instances, and command results;
// its Err method restores the class after a round trip.
//
//	if engine.IsRetryable(err) {
//	    // backoff := policy.Backoff(attempt, err)
//	}
//
// # Eternal Workflows
//
// Workflows registered with Registry.RegisterEternal are singletons kept
// alive by the Supervisor: exactly one pending or running instance per
// instance ID.
package engine
