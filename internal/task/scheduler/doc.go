// Package scheduler is the dispatcher and the public scheduling API.
//
// A single tick loop finds due jobs, filters out those that are already
// running, blocked by dependencies or over their type limit, claims the rest
// in the store and hands them to the engine runner without waiting. Retries
// and recurring runs re-enter through the same path: the runner moves RunAt
// forward and a later tick picks the job up again.
package scheduler
