// Package policy holds everything the engine treats as immutable for
// an epoch: the curvature interaction matrix, the contract set with
// its weights and normalizers, the service law, the disturbance
// policy, invariants, and resource limits. Bundles are authored in CUE
// and compiled once; every receipt binds the bundle digest so a
// verifier can detect mid-run policy swaps.
package policy
