// Package op defines the operation model: kernel registration with
// declared read/write footprints, footprint resolution, and
// content-addressed operation identity. Everything downstream (graph,
// scheduler, gate) trusts the footprints bound here, so resolution
// fails fast and loudly on any structural problem.
package op
