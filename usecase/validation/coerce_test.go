package validation

import (
	"math"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCoerceNumber(t *testing.T) {
	cases := map[any]float64{
		12.5:          12.5,
		7:             7,
		" 42 ":        42,
		"$1,250.50":   1250.5,
		"€ 99":        99,
		"-3":          -3,
		"1e3":         1000,
		int64(100000): 100000,
	}
	for in, want := range cases {
		got, ok := coerceNumber(in)
		assert.True(t, ok, "%v", in)
		assert.Equal(t, want, got, "%v", in)
	}

	for _, in := range []any{"", "ten", "$", true, nil, math.NaN(), "Inf", []any{1}} {
		_, ok := coerceNumber(in)
		assert.False(t, ok, "%v", in)
	}
}

func TestCoerceStringAndBool(t *testing.T) {
	s, ok := coerceString(1250.0)
	assert.True(t, ok)
	assert.Equal(t, "1250", s)

	s, ok = coerceString(1e21)
	assert.True(t, ok)
	assert.Equal(t, "1000000000000000000000", s)

	_, ok = coerceString(false)
	assert.False(t, ok)

	for in, want := range map[any]bool{true: true, "yes": true, " YES ": true, "1": true, 1.0: true, "no": false, "false": false, 0.0: false} {
		got, ok := coerceBool(in)
		assert.True(t, ok, "%v", in)
		assert.Equal(t, want, got, "%v", in)
	}
	_, ok = coerceBool("maybe")
	assert.False(t, ok)
}

func TestMatchEnum(t *testing.T) {
	statuses := []string{"prospecting", "active", "under_contract", "closed", "dead"}
	got, ok := matchEnum("Under Contract", statuses)
	assert.True(t, ok)
	assert.Equal(t, "under_contract", got)

	got, ok = matchEnum("under-contract", statuses)
	assert.True(t, ok)
	assert.Equal(t, "under_contract", got)

	got, ok = matchEnum("gbp", []string{"USD", "EUR", "GBP"})
	assert.True(t, ok)
	assert.Equal(t, "GBP", got)

	_, ok = matchEnum("won", statuses)
	assert.False(t, ok)
}

func TestCoercionProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("formatted numbers coerce back to themselves", prop.ForAll(
		func(f float64) bool {
			got, ok := coerceNumber(strconv.FormatFloat(f, 'f', -1, 64))
			return ok && got == f
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("number to string to number is lossless", prop.ForAll(
		func(f float64) bool {
			s, ok := coerceString(f)
			if !ok {
				return false
			}
			back, ok := coerceNumber(s)
			return ok && back == f
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("coercion is total over strings", prop.ForAll(
		func(s string) bool {
			_, _ = coerceNumber(s)
			_, _ = coerceBool(s)
			str, ok := coerceString(s)
			return ok && len(str) <= len(s)
		},
		gen.AnyString(),
	))

	properties.Property("enum matching is idempotent", prop.ForAll(
		func(i int) bool {
			statuses := []string{"prospecting", "active", "under_contract", "closed", "dead"}
			first, ok := matchEnum(statuses[i], statuses)
			if !ok {
				return false
			}
			second, ok := matchEnum(first, statuses)
			return ok && first == second
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
