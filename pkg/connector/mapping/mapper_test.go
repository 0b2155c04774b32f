package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestExtract(t *testing.T) {
	src := []byte(`{"order":{"id":"po-1","lines":[{"sku":"A"},{"sku":"B"}]},"total":42.5}`)

	value, ok := Extract(src, "order.id")
	require.True(t, ok)
	assert.Equal(t, "po-1", value)

	value, ok = Extract(src, "order.lines.1.sku")
	require.True(t, ok)
	assert.Equal(t, "B", value)

	_, ok = Extract(src, "order.missing")
	assert.False(t, ok)

	value, ok = Extract(src, "")
	require.True(t, ok)
	assert.Contains(t, value.(map[string]any), "total")
}

func TestApply(t *testing.T) {
	src := []byte(`{"PoNum":"4500012345","Vendor":{"Code":"ACME"},"Qty":"12"}`)

	rules := []Rule{
		{Source: "PoNum", Target: "po_number"},
		{Source: "Vendor.Code", Target: "vendor.id"},
		{Source: "Qty", Target: "quantity", Transform: "number"},
		{Source: "Currency", Target: "currency", Default: "USD"},
		{Target: "source_system", Value: "sap"},
	}

	out, err := Apply(rules, src)
	require.NoError(t, err)

	assert.Equal(t, "4500012345", gjson.GetBytes(out, "po_number").String())
	assert.Equal(t, "ACME", gjson.GetBytes(out, "vendor.id").String())
	assert.Equal(t, float64(12), gjson.GetBytes(out, "quantity").Num)
	assert.Equal(t, "USD", gjson.GetBytes(out, "currency").String())
	assert.Equal(t, "sap", gjson.GetBytes(out, "source_system").String())
}

func TestApplyMissingSourceWithoutDefaultSkips(t *testing.T) {
	out, err := Apply([]Rule{{Source: "nope", Target: "x"}}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, "x").Exists())
}

func TestApplyErrors(t *testing.T) {
	_, err := Apply([]Rule{{Source: "a"}}, []byte(`{"a":1}`))
	assert.Error(t, err)

	_, err = Apply([]Rule{{Source: "a", Target: "x", Transform: "number"}}, []byte(`{"a":"not-a-number"}`))
	assert.Error(t, err)

	_, err = Apply([]Rule{{Source: "a", Target: "x", Transform: "reverse"}}, []byte(`{"a":1}`))
	assert.Error(t, err)
}

func TestTransforms(t *testing.T) {
	src := []byte(`{"n":7,"s":"7","b":true,"flag":"yes"}`)

	out, err := Apply([]Rule{
		{Source: "n", Target: "as_string", Transform: "string"},
		{Source: "b", Target: "as_number", Transform: "number"},
		{Source: "flag", Target: "as_bool", Transform: "bool"},
	}, src)
	require.NoError(t, err)

	assert.Equal(t, "7", gjson.GetBytes(out, "as_string").String())
	assert.Equal(t, float64(1), gjson.GetBytes(out, "as_number").Num)
	assert.True(t, gjson.GetBytes(out, "as_bool").Bool())
}

func TestValidateRules(t *testing.T) {
	assert.Empty(t, ValidateRules([]Rule{{Source: "a", Target: "b"}}))

	violations := ValidateRules([]Rule{
		{Source: "a"},
		{Target: "x"},
		{Source: "a", Target: "y", Transform: "hex"},
	})
	assert.Len(t, violations, 3)
}
