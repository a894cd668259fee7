// Package job holds the data model shared by the scheduler, the runner and
// the stores: jobs, schedules, execution records, history entries and the
// error taxonomy.
//
// Records are plain values. Stores hand out clones, so callers may mutate a
// returned *Job freely and persist it with Save.
package job
