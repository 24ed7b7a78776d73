// Package recovery wraps stage calls with bounded retries and exponential
// backoff, and maps failures to explicit recovery actions.
//
// Decisions are plain values returned from pure functions (ForValidation,
// ForCheckpoint, Strategy) so the escalation tables can be tested without
// running any stage. ExecuteStageSafely is the only part that performs I/O.
package recovery
