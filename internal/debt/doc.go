// Package debt provides the exact integer arithmetic for debt
// accounting. A Unit is a non-negative int64 count of debt quanta at a
// declared scale. All engine-side comparisons and the debt-law check
// happen on Units; the only place a rational becomes a Unit is FromRat,
// which rounds half-even under the scale. Every arithmetic operation is
// overflow-checked and returns an error instead of wrapping.
package debt
