// Package dispatch admits pending jobs to a processing session under a
// concurrency limit and the current policy decision.
//
// A Controller owns one user's session and the Work records for jobs it has
// handed to that session. It runs a single event loop woken by:
//   - repository notifications (job added, running count changed)
//   - policy aggregate changes
//   - processor outcomes, delivered through a channel
//   - per-Work watchdog expiry
//   - retry backoff and reconnect timers
//   - session death (the session's Done channel closing)
//   - the idle timer
//
// Outcome handling:
//   - success → COMPLETED, reported upstream
//   - permanent error → ERROR, reported upstream
//   - transient error → FAILED, back to PENDING after a backoff while the
//     failure count stays within scheduler.max_retries, else ERROR
//   - watchdog expiry → transient failure, and the session is torn down;
//     every other Work on it fails transiently
//
// While the policy says pause, running Work is interrupted and its jobs move
// to PAUSE. When the policy reopens they return to PENDING with the resumed
// priority class.
//
// Callbacks carry the Work's token; a callback whose token no longer matches
// the running Work for that job is dropped.
package dispatch
