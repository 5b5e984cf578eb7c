// Package ao implements the Compute Unit's deterministic state-evaluation
// engine: given a process identifier and an ordered log of interactions, it
// reconstructs the process's current state by loading the process's WASM
// module, folding interactions through its handler, and persisting each
// resulting evaluation so a later read can resume from the closest cached
// point instead of replaying from genesis.
package ao
