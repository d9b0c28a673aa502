// Package work schedules Work items, alone or grouped in a Workflow, onto the
// elastic pool.
//
// A Work may name a predecessor ("after"); the Queue does not dispatch it until
// the predecessor has completed. Workflows are posted as a unit through the
// command queue so their items are released in the order they were added.
package work
