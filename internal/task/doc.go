// Package task defines the client-side record of a long-running server job and the
// in-memory registry that tracks every job still in flight.
//
// A Task is keyed by a deterministic ID derived from its kind and target, so the
// same logical job registered from two places collapses into one entry. The Store
// is an explicitly constructed, observable registry: consumers read through
// Snapshot and react to mutations via Subscribe. Store contents can be mirrored to
// durable storage through a Persister so in-flight jobs survive a restart.
package task
