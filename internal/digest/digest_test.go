package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_KnownVector(t *testing.T) {
	// sha256("test")
	assert.Equal(t,
		"sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Of([]byte("test")),
	)
}

func TestOf_Deterministic(t *testing.T) {
	inputs := [][]byte{nil, {}, []byte("a"), []byte("hello world"), make([]byte, 4096)}
	for _, in := range inputs {
		assert.Equal(t, Of(in), Of(append([]byte(nil), in...)))
		require.NoError(t, Validate(Of(in)))
	}
}

func TestOfText_NFCEquivalence(t *testing.T) {
	composed := "caf\u00e9"    // é as one code point
	decomposed := "cafe\u0301" // e + combining acute

	assert.NotEqual(t, Of([]byte(composed)), Of([]byte(decomposed)))
	assert.Equal(t, OfText(composed), OfText(decomposed))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		digest  string
		wantErr bool
	}{
		{"valid sha256", Of([]byte("x")), false},
		{"missing colon", "sha256", true},
		{"empty hex", "sha256:", true},
		{"short sha256", "sha256:abcd", true},
		{"uppercase hex", "sha256:9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08", true},
		{"other algorithm", "blake3:abcdef", false},
		{"other algorithm non-hex", "blake3:xyz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.digest)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	d := Of([]byte("payload"))
	assert.True(t, Verify(d, []byte("payload")))
	assert.False(t, Verify(d, []byte("payload!")))
}
