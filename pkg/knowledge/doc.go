// Package knowledge records the outcome of every finished task in two
// bounded FIFO histories, one for successes and one for failures.
//
// The store is write-mostly: it exposes counts and the raw entries, and
// forwards each entry to an optional Sink such as the SQLite journal in
// package stores. Sink failures are logged and never fail the task.
package knowledge
