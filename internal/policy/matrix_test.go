package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-engine/covenant/internal/canon"
)

func TestNewMatrixValidation(t *testing.T) {
	_, err := NewMatrix(-1, nil)
	assert.Error(t, err)

	_, err = NewMatrix(2, []MatrixEntry{{I: 0, J: 2, Value: canon.MustRat(1, 1)}})
	assert.Error(t, err, "entry outside dimension")

	_, err = NewMatrix(2, []MatrixEntry{{I: 1, J: 1, Value: canon.MustRat(1, 1)}})
	assert.Error(t, err, "diagonal must stay zero")

	_, err = NewMatrix(2, []MatrixEntry{
		{I: 0, J: 1, Value: canon.MustRat(1, 2)},
		{I: 1, J: 0, Value: canon.MustRat(1, 3)},
	})
	assert.Error(t, err, "mirrored pair is a duplicate")
}

func TestMatrixEntrySymmetric(t *testing.T) {
	m, err := NewMatrix(3, []MatrixEntry{{I: 0, J: 1, Value: canon.MustRat(1, 2)}})
	require.NoError(t, err)

	assert.Equal(t, 0, m.Entry(0, 1).Cmp(canon.MustRat(1, 2)))
	assert.Equal(t, 0, m.Entry(1, 0).Cmp(canon.MustRat(1, 2)))
	assert.True(t, m.Entry(0, 0).IsZero(), "diagonal is zero")
	assert.True(t, m.Entry(0, 2).IsZero(), "omitted pair defaults to zero")
	assert.True(t, m.Entry(5, 9).IsZero(), "out of range reads zero")
}

func TestMatrixDigest(t *testing.T) {
	m1, err := NewMatrix(2, []MatrixEntry{{I: 0, J: 1, Value: canon.MustRat(1, 2)}})
	require.NoError(t, err)
	// Mirrored construction normalizes to the same triangle
	m2, err := NewMatrix(2, []MatrixEntry{{I: 1, J: 0, Value: canon.MustRat(1, 2)}})
	require.NoError(t, err)

	d1, err := m1.Digest()
	require.NoError(t, err)
	d2, err := m2.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.True(t, canon.ValidHash(d1))

	m3, err := NewMatrix(2, []MatrixEntry{{I: 0, J: 1, Value: canon.MustRat(1, 3)}})
	require.NoError(t, err)
	d3, err := m3.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestMatrixZeroEntriesDropped(t *testing.T) {
	m1, err := NewMatrix(2, []MatrixEntry{{I: 0, J: 1, Value: canon.RatZero()}})
	require.NoError(t, err)
	m2, err := NewMatrix(2, nil)
	require.NoError(t, err)

	d1, err := m1.Digest()
	require.NoError(t, err)
	d2, err := m2.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "explicit zero and omitted entry encode identically")
}
