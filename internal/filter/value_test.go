package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"packetlens/internal/models"
)

func TestToNumber(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{in: nil, want: 0},
		{in: true, want: 1},
		{in: false, want: 0},
		{in: uint16(443), want: 443},
		{in: int64(-3), want: -3},
		{in: "  12.5 ", want: 12.5},
		{in: "", want: 0},
		{in: "0x1f", want: 31},
		{in: "0b101", want: 5},
		{in: "1e3", want: 1000},
		{in: "-Infinity", want: math.Inf(-1)},
		{in: []byte{7}, want: 7},
		{in: []any{}, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toNumber(tt.in), "%#v", tt.in)
	}

	for _, in := range []any{"abc", "inf", "NaN", "1_000", "0xzz", []byte{1, 2}, map[string]any{}, models.NewLayer("x")} {
		assert.True(t, math.IsNaN(toNumber(in)), "%#v", in)
	}
}

func TestToInt32(t *testing.T) {
	tests := []struct {
		in   any
		want int32
	}{
		{in: 1.9, want: 1},
		{in: -1.9, want: -1},
		{in: 4294967296.0, want: 0},
		{in: 2147483648.0, want: -2147483648},
		{in: -2147483649.0, want: 2147483647},
		{in: math.NaN(), want: 0},
		{in: math.Inf(1), want: 0},
		{in: "7", want: 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toInt32(tt.in), "%#v", tt.in)
	}
}

func TestToBoolean(t *testing.T) {
	for _, in := range []any{nil, false, 0, 0.0, math.NaN(), ""} {
		assert.False(t, toBoolean(in), "%#v", in)
	}
	for _, in := range []any{true, 1, -0.5, "0", "false", []byte{}, map[string]any{}, models.NewLayer("x")} {
		assert.True(t, toBoolean(in), "%#v", in)
	}
}

func TestToString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: nil, want: "null"},
		{in: true, want: "true"},
		{in: 80, want: "80"},
		{in: 1.5, want: "1.5"},
		{in: 1e21, want: "1e+21"},
		{in: math.NaN(), want: "NaN"},
		{in: math.Inf(-1), want: "-Infinity"},
		{in: []byte{1, 2}, want: "1,2"},
		{in: []any{"a", nil, 3.0}, want: "a,,3"},
		{in: map[string]any{}, want: "[object Object]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toString(tt.in), "%#v", tt.in)
	}
}

func TestLooseEqual(t *testing.T) {
	layer := models.NewLayer("x")
	items := []*models.Item{models.NewItem("a", "a", 1)}
	tests := []struct {
		a, b any
		want bool
	}{
		{a: 80, b: 80.0, want: true},
		{a: uint16(80), b: "80", want: true},
		{a: "a", b: "a", want: true},
		{a: "1", b: true, want: true},
		{a: false, b: "", want: true},
		{a: nil, b: nil, want: true},
		{a: nil, b: false, want: false},
		{a: math.NaN(), b: math.NaN(), want: false},
		{a: layer, b: layer, want: true},
		{a: layer, b: models.NewLayer("x"), want: false},
		{a: []byte{1, 2}, b: "1,2", want: true},
		{a: tcpFlags(2), b: 2, want: true},
		{a: items, b: items, want: true},
		{a: items, b: []*models.Item{items[0]}, want: false},
		{a: []*models.Item{}, b: []*models.Item{}, want: false},
		{a: []*models.Item(nil), b: []*models.Item(nil), want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, looseEqual(tt.a, tt.b), "%#v == %#v", tt.a, tt.b)
	}
}

func TestValueOf(t *testing.T) {
	assert.Equal(t, KindNull, ValueOf(nil).Kind())
	assert.Equal(t, KindNull, ValueOf((*models.Layer)(nil)).Kind())
	assert.Equal(t, KindNull, ValueOf(models.NewValue(nil)).Kind())
	assert.Equal(t, KindScalar, ValueOf(models.NewTypedValue(3, "int")).Kind())
	assert.Equal(t, KindLayer, ValueOf(models.NewLayer("x")).Kind())
	assert.Equal(t, KindItem, ValueOf(models.NewItem("a", "a", 1)).Kind())
	assert.Equal(t, KindFunc, ValueOf(func(args ...Value) Value { return Null }).Kind())
	assert.Equal(t, "func", KindFunc.String())
}
