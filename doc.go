// Package replaykit supervises crash-tolerant replay of captured GPU
// pipeline state.
//
// A batch of captured creation records (shader modules, layouts, render
// passes, pipelines) is replayed in a separate worker process so that a
// driver crash on a poisoned record kills the worker, not the caller. The
// supervisor and worker share a small memory-mapped control block: the
// worker publishes per-class progress counters and lifecycle flags with
// atomic operations and queues log lines into a ring buffer, and the
// supervisor polls all of it without any syscall round-trip to the child.
//
// The exported surface is the Supervisor. The replay engine itself lives in
// internal/replay and is reached through the cmd/replaykit worker mode.
//
//	sup := replaykit.NewSupervisor(replaykit.Options{Database: "records.db"})
//	if err := sup.Start(); err != nil { ... }
//	clean, _ := sup.Wait()
//	fmt.Println(sup.Progress(), clean)
package replaykit
