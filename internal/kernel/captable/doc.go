// Package captable implements per-process capability tables.
//
// A table is a sparse mapping from small integer indices to capability
// values, owned exclusively by one process and shared by its threads.
// Rights only ever narrow: Duplicate intersects with a mask, and nothing
// in the system can widen a derived capability back out.
//
// The table participates in registry reference counting: inserting a
// capability retains its object, deleting releases it. Lock order is
// always table before registry; no table operation holds the table lock
// across anything that can wait.
package captable
