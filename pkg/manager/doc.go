// Package manager implements the task-execution manager: a single-threaded
// cooperative loop that accepts worker connections, dispatches ready tasks
// under resource and transfer-capacity constraints, collects results, and
// returns completed tasks to the caller via Wait.
//
// The manager composes, rather than reimplements, the leaf subsystems:
// pkg/taskqueue for the task lifecycle, pkg/workerpool for the worker
// registry and resource tallies, pkg/category for allocation policy,
// pkg/blocklist and pkg/transfers for liveness and transfer bookkeeping,
// pkg/scheduler and pkg/transferplan for matching tasks to workers,
// pkg/protocol for the wire format, and pkg/catalog/pkg/txlog/pkg/perflog
// for external reporting. This package is the glue: the accept loop, the
// per-connection message pump, the failure controller, and the commit path.
//
// Grounded on the teacher's pkg/manager package for the overall shape of a
// long-lived component with its own Config, constructor, Start/Shutdown
// pair, and background goroutines coordinated with a context and a
// WaitGroup (teacher's manager.go Start/Shutdown); the domain logic itself
// (task/worker/category/transfer state machines) follows
// original_source/taskvine/src/manager/vine_manager.c.
package manager
