package respnorm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Strings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Str("yes"), Str("  Yes ").Normalize())
	assert.True(t, Equal(Str("BJP"), Str(" bjp ")))
	assert.False(t, Equal(Str("yes"), Str("no")))
}

func TestNormalize_ListsSorted(t *testing.T) {
	t.Parallel()
	a := List(Str("B"), Str("a"), Str("c"))
	b := List(Str("C"), Str("b"), Str("A"))
	assert.True(t, Equal(a, b))
}

func TestNormalize_MapsKeyOrderIrrelevant(t *testing.T) {
	t.Parallel()
	a := Map(map[string]Value{"x": Str("One"), "y": Num(2)})
	b := Map(map[string]Value{"y": Num(2), "x": Str(" one ")})
	assert.True(t, Equal(a, b))
}

func TestNormalize_NumbersAndBoolsAsIs(t *testing.T) {
	t.Parallel()
	assert.True(t, Equal(Num(42), Num(42)))
	assert.False(t, Equal(Num(42), Num(42.5)))
	assert.True(t, Equal(Bool(true), Bool(true)))
	assert.False(t, Equal(Bool(true), Bool(false)))
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()
	assert.True(t, Null().IsEmpty())
	assert.True(t, Str("   ").IsEmpty())
	assert.True(t, List().IsEmpty())
	assert.False(t, Num(0).IsEmpty())
	assert.False(t, Bool(false).IsEmpty())
	assert.False(t, Str("0").IsEmpty())
}

func TestJSONRoundTrip_StableDigest(t *testing.T) {
	t.Parallel()
	ts := []Triple{
		{QuestionID: "q2", QuestionType: "multi", Value: List(Str("B "), Str("a"))},
		{QuestionID: "q1", QuestionType: "text", Value: Str(" Hello ")},
		{QuestionID: "q3", QuestionType: "number", Value: Num(7)},
	}
	d1 := Digest(ts)

	raw, err := json.Marshal(ts)
	require.NoError(t, err)
	var back []Triple
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, d1, Digest(back), "digest must survive re-serialization")
}

func TestDigest_OrderIndependent(t *testing.T) {
	t.Parallel()
	a := []Triple{
		{QuestionID: "q1", QuestionType: "text", Value: Str("x")},
		{QuestionID: "q2", QuestionType: "text", Value: Str("y")},
	}
	b := []Triple{a[1], a[0]}
	assert.Equal(t, Digest(a), Digest(b))
}

func TestFromAny_NestedShapes(t *testing.T) {
	t.Parallel()
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"a":[1,"Two",null],"b":{"c":true}}`), &v))
	require.Equal(t, KindMap, v.Kind())
	inner := v.MapVal()["a"]
	require.Equal(t, KindList, inner.Kind())
	assert.Equal(t, 3, len(inner.ListVal()))
}
