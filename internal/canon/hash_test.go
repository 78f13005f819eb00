package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainFormat(t *testing.T) {
	h := HashWithDomain(DomainOp, []byte(`{"a":1}`))
	assert.True(t, ValidHash(h))
	assert.Len(t, h, 66)
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	h1 := HashWithDomain(DomainOp, data)
	h2 := HashWithDomain(DomainBatch, data)
	assert.NotEqual(t, h1, h2)
}

func TestHashWithDomainNoConcatAmbiguity(t *testing.T) {
	// The zero-byte separator means moving bytes across the boundary
	// changes the digest.
	h1 := HashWithDomain("covenant/op", []byte("/v1data"))
	h2 := HashWithDomain("covenant/op/v1", []byte("data"))
	assert.NotEqual(t, h1, h2)
}

func TestHashWithDomainDeterministic(t *testing.T) {
	data := []byte(`{"budget":100}`)
	first := HashWithDomain(DomainReceipt, data)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, HashWithDomain(DomainReceipt, data))
	}
}

func TestHashValue(t *testing.T) {
	obj := Object{"kind": String("transfer"), "amount": Int(5)}

	h, err := HashValue(DomainOp, obj)
	require.NoError(t, err)
	assert.True(t, ValidHash(h))

	// Equal structures hash equal regardless of construction order
	other := Object{"amount": Int(5), "kind": String("transfer")}
	h2, err := HashValue(DomainOp, other)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}

func TestHashValueRejectsFloats(t *testing.T) {
	_, err := HashValue(DomainOp, map[string]any{"x": 1.5})
	assert.Error(t, err)
}

func TestZeroHash(t *testing.T) {
	assert.True(t, ValidHash(ZeroHash))
	// The sentinel is all zeros, never a real digest
	assert.NotEqual(t, ZeroHash, HashWithDomain(DomainReceipt, nil))
}

func TestValidHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"valid", "h:" + "ab12" + "00000000000000000000000000000000000000000000000000000000" + "cd34", true},
		{"missing prefix", "0000000000000000000000000000000000000000000000000000000000000000", false},
		{"too short", "h:abcd", false},
		{"uppercase hex", "h:ABCD000000000000000000000000000000000000000000000000000000000000", false},
		{"non-hex", "h:zz00000000000000000000000000000000000000000000000000000000000000", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidHash(tt.input))
		})
	}
}
