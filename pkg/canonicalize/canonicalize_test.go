package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	in := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	out, err := JCS(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	in := map[string]string{"cmd": "a<b&c>d"}
	out, err := JCS(in)
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"a<b&c>d"}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type record struct {
		OperationID string `json:"operation_id"`
		Kind        string `json:"kind"`
	}
	out, err := JCS(record{OperationID: "op-1", Kind: "stage_receipt"})
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"stage_receipt","operation_id":"op-1"}`, string(out))
}

func TestCanonicalHashDeterministic(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "z"}
	b := map[string]interface{}{"y": "z", "x": 1}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb, "key order must not affect the hash")
	assert.Len(t, ha, 64)
}

func TestCanonicalHashSensitivity(t *testing.T) {
	h1, err := CanonicalHash(map[string]int{"n": 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]int{"n": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashBytesEmpty(t *testing.T) {
	// sha256 of the empty string, used as the empty-tree sentinel elsewhere.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
