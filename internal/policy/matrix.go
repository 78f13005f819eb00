package policy

import (
	"fmt"
	"sort"

	"github.com/covenant-engine/covenant/internal/canon"
)

// Matrix is the curvature interaction model: a symmetric matrix of
// reduced rationals over curvature blocks, stored as its upper
// triangle. The diagonal is forced to zero; self-interaction is
// carried by the bound-squared term in the batch cost, never by the
// matrix.
type Matrix struct {
	dim     int
	entries map[[2]int]canon.Rat
}

// MatrixEntry is one explicit upper-triangle coefficient.
type MatrixEntry struct {
	I, J  int
	Value canon.Rat
}

// NewMatrix builds an immutable matrix. Entries must address the
// strict upper triangle (i < j) inside the dimension; anything else is
// rejected. Omitted pairs default to zero interaction.
func NewMatrix(dim int, entries []MatrixEntry) (*Matrix, error) {
	if dim < 0 {
		return nil, fmt.Errorf("matrix dimension must be non-negative, got %d", dim)
	}
	m := &Matrix{dim: dim, entries: make(map[[2]int]canon.Rat, len(entries))}
	for _, e := range entries {
		if e.I < 0 || e.J < 0 || e.I >= dim || e.J >= dim {
			return nil, fmt.Errorf("matrix entry (%d,%d) outside dimension %d", e.I, e.J, dim)
		}
		if e.I == e.J {
			return nil, fmt.Errorf("matrix diagonal (%d,%d) must stay zero", e.I, e.J)
		}
		key := [2]int{e.I, e.J}
		if e.I > e.J {
			key = [2]int{e.J, e.I}
		}
		if _, dup := m.entries[key]; dup {
			return nil, fmt.Errorf("duplicate matrix entry (%d,%d)", key[0], key[1])
		}
		if e.Value.IsZero() {
			continue
		}
		m.entries[key] = e.Value
	}
	return m, nil
}

// Dim returns the block dimension.
func (m *Matrix) Dim() int { return m.dim }

// Entry returns the interaction coefficient for blocks (i, j). Lookup
// is symmetric; the diagonal and out-of-range pairs are zero.
func (m *Matrix) Entry(i, j int) canon.Rat {
	if i == j || i < 0 || j < 0 || i >= m.dim || j >= m.dim {
		return canon.RatZero()
	}
	key := [2]int{i, j}
	if i > j {
		key = [2]int{j, i}
	}
	if v, ok := m.entries[key]; ok {
		return v
	}
	return canon.RatZero()
}

// canonValue lays out the matrix as dimension plus sorted
// upper-triangle entries.
func (m *Matrix) canonValue() canon.Object {
	keys := make([][2]int, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sortPairs(keys)

	entries := make(canon.Array, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, canon.Object{
			"i": canon.Int(int64(k[0])),
			"j": canon.Int(int64(k[1])),
			"v": m.entries[k],
		})
	}
	return canon.Object{
		"dim":     canon.Int(int64(m.dim)),
		"entries": entries,
	}
}

// Digest returns the matrix content hash.
func (m *Matrix) Digest() (string, error) {
	return canon.HashValue(canon.DomainMatrix, m.canonValue())
}

func sortPairs(keys [][2]int) {
	sort.Slice(keys, func(a, b int) bool {
		if keys[a][0] != keys[b][0] {
			return keys[a][0] < keys[b][0]
		}
		return keys[a][1] < keys[b][1]
	})
}
