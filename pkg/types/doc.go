/*
Package types is the shared vocabulary of the orchestrator: WorkloadSpec (what a
client submits), WorkloadInstanceName (the content-addressed identity of one spec
version on one agent), ExecutionState (what the runtime reports back), and
CompleteState (the server's authoritative view of both).

Nothing in this package talks to a runtime, a store, or the network — it exists so
every other package agrees on the same shapes.
*/
package types
