package canonicalize

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := map[string]any{"b": "two", "a": 1, "d": map[string]any{"nested": "value"}, "c": []any{true, nil, 3.5}}
	b := map[string]any{"d": map[string]any{"nested": "value"}, "c": []any{true, nil, 3.5}, "a": 1, "b": "two"}

	ja, err := CanonicalJSON(a)
	require.NoError(t, err)
	jb, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, `{"a":1,"b":"two","c":[true,null,3.5],"d":{"nested":"value"}}`, string(ja))
}

func TestStableHashGoldenVector(t *testing.T) {
	// Cross-process stability: this hash must never change for this input
	// under canonical version elspeth-jcs-1.
	v := map[string]any{"b": "two", "a": 1, "c": []any{true, nil, 3.5}, "d": map[string]any{"nested": "value"}}
	h, err := StableHash(v)
	require.NoError(t, err)
	assert.Equal(t, "fb3256c6ee78ee5e183e4725ff86515e8f0e386c7c8773f23ee62c68b14be1ad", h)

	row := map[string]any{"name": "Alice", "value": 100, "id": 1}
	h2, err := StableHash(row)
	require.NoError(t, err)
	assert.Equal(t, "6e12caa514c5e9d9e2e2fe38a6b94a8aeff4d8328dc304ede69db3ec8feca324", h2)
}

func TestKeyOrderIndependenceOfHash(t *testing.T) {
	h1, err := StableHash(map[string]any{"x": 1, "y": 2, "z": 3})
	require.NoError(t, err)
	h2, err := StableHash(map[string]any{"z": 3, "x": 1, "y": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRejectsNonFiniteAtAnyDepth(t *testing.T) {
	cases := map[string]any{
		"top-level nan":    math.NaN(),
		"top-level inf":    math.Inf(1),
		"negative inf":     math.Inf(-1),
		"nested in map":    map[string]any{"ok": 1, "bad": map[string]any{"deep": math.NaN()}},
		"inside array":     []any{1.0, 2.0, math.Inf(1)},
		"float32 nan":      float32(math.NaN()),
		"number literal":   json.Number("NaN"),
		"infinity literal": json.Number("Infinity"),
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := StableHash(v)
			assert.ErrorIs(t, err, ErrNonFinite)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	v := map[string]any{
		"s":  "str",
		"n":  42,
		"f":  1.25,
		"b":  []byte{0x01, 0x02},
		"t":  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"xs": []any{1, "two", nil},
	}
	once, err := Normalize(v)
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)

	j1, err := marshalCanonical(once)
	require.NoError(t, err)
	j2, err := marshalCanonical(twice)
	require.NoError(t, err)
	assert.Equal(t, string(j1), string(j2))
}

func TestTimeSerializesUTCWithExplicitOffset(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	v, err := Normalize(time.Date(2026, 1, 15, 7, 30, 0, 0, est))
	require.NoError(t, err)
	assert.Equal(t, "2026-01-15T12:30:00+00:00", v)

	d, err := Normalize(DateOf(time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, "2026-01-15", d)
}

func TestBytesWrapBase64(t *testing.T) {
	j, err := CanonicalJSON([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, `{"__bytes__":"aGk="}`, string(j))
}

func TestBigIntExactStringBeyond64Bits(t *testing.T) {
	small := big.NewInt(123)
	j, err := CanonicalJSON(small)
	require.NoError(t, err)
	assert.Equal(t, "123", string(j))

	wide, ok := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	require.True(t, ok)
	j, err = CanonicalJSON(wide)
	require.NoError(t, err)
	assert.Equal(t, `"340282366920938463463374607431768211456"`, string(j))
}

func TestStructsHonorJSONTags(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
		Skip  string `json:"-"`
	}
	j, err := CanonicalJSON(record{Name: "x", Score: 7, Skip: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x","score":7}`, string(j))
}

func TestNumbersPreservedExactly(t *testing.T) {
	j, err := CanonicalJSON(map[string]any{"d": json.Number("1.230")})
	require.NoError(t, err)
	assert.Equal(t, `{"d":1.230}`, string(j))
}

func TestTransformRaw(t *testing.T) {
	out, err := TransformRaw([]byte(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}
