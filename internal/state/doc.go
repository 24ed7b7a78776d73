// Package state persists workflow progress as one JSON checkpoint per
// workflow.
//
// Every write goes to a temporary sibling file that is fsynced and then
// renamed over the live checkpoint while an exclusive lock is held, so a
// reader never observes a partial document. Reads take a shared lock. Locks
// live in a "{id}.json.lock" sibling because the rename replaces the
// checkpoint inode on every save. Reads of a workflow with no checkpoint
// take no lock, so lookups of unknown ids leave nothing behind.
//
// Backed-up saves first copy the previous live checkpoint into the backup
// directory as "{id}_{YYYYmmdd_HHMMSS_ffffff}.json" and prune the oldest
// copies beyond the retention count.
//
// A Store tracks at most one loaded workflow. The control loop mutates it
// only through StartIteration, UpdateIteration, CompleteIteration and
// CompleteWorkflow; each call persists before returning.
package state
