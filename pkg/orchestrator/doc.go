// Package orchestrator owns the task queue and runs tasks through the engine
// under a ceiling on concurrently active tasks.
//
// Tasks are dequeued by priority, highest first, with ties broken by arrival
// order. A dequeued task is planned synchronously inside Drain and then
// executed on its own goroutine; when it finishes, its outcome is recorded in
// the knowledge store and the journal, and the queue is drained again.
//
//	orc := orchestrator.New(runner, store, journal, orchestrator.Config{}, inst)
//	id, _ := orc.Submit("find the latest release notes", 5)
//	orc.Drain(ctx)
//	_ = orc.Wait(ctx)
//	snap, _ := orc.Status(id)
package orchestrator
