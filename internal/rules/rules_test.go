package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditional(t *testing.T) {
	for _, c := range Conditionals() {
		parsed, err := ParseConditional(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := ParseConditional("Between")
	assert.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConditionalCompare_Int(t *testing.T) {
	tests := []struct {
		cond  Conditional
		left  any
		right any
		want  bool
	}{
		{GreaterThan, 5, "3", true},
		{GreaterThan, "3", "5", false},
		{GreaterThan, 5, "5", false},
		{GreaterThanOrEqualTo, 5, "5", true},
		{LessThan, "2", "10", true},
		{LessThanOrEqualTo, "10", "10", true},
		{EqualTo, "7", 7, true},
		{NotEqualTo, "7", 7, false},
		{NotEqualTo, "7", 8, true},
	}
	for _, tt := range tests {
		left, err := TypeInt.Convert(tt.left)
		require.NoError(t, err)
		right, err := TypeInt.Convert(tt.right)
		require.NoError(t, err)

		got, err := tt.cond.Compare(left, right)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %s %v", tt.left, tt.cond, tt.right)
	}
}

func TestConditionalCompare_DateTime(t *testing.T) {
	earlier, err := TypeDateTime.Convert("2024-01-01 10:00:00")
	require.NoError(t, err)
	later, err := TypeDateTime.Convert("2024-06-15 09:30:00")
	require.NoError(t, err)

	got, err := LessThan.Compare(earlier, later)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EqualTo.Compare(earlier, earlier)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionalCompare_TypeMismatch(t *testing.T) {
	i, err := TypeInt.Convert(1)
	require.NoError(t, err)
	s, err := TypeText.Convert("1")
	require.NoError(t, err)

	_, err = EqualTo.Compare(i, s)
	assert.Error(t, err)
}

func TestDataTypeConvert(t *testing.T) {
	t.Run("int from json number", func(t *testing.T) {
		v, err := TypeInt.Convert(json.Number("42"))
		require.NoError(t, err)
		assert.Equal(t, int64(42), v.Int)
	})

	t.Run("int rejects fractional float", func(t *testing.T) {
		_, err := TypeInt.Convert(3.5)
		assert.Error(t, err)
	})

	t.Run("float from string", func(t *testing.T) {
		v, err := TypeFloat.Convert(" 10.25 ")
		require.NoError(t, err)
		assert.Equal(t, 10.25, v.Float)
	})

	t.Run("float from json number", func(t *testing.T) {
		v, err := TypeFloat.Convert(json.Number("15000.5"))
		require.NoError(t, err)
		assert.Equal(t, 15000.5, v.Float)
	})

	t.Run("datetime accepts wire layout and RFC3339", func(t *testing.T) {
		v, err := TypeDateTime.Convert("2024-03-01 12:00:00")
		require.NoError(t, err)
		assert.Equal(t, 2024, v.Time.Year())

		v, err = TypeDateTime.Convert("2024-03-01T12:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.March, v.Time.Month())
	})

	t.Run("datetime rejects garbage", func(t *testing.T) {
		_, err := TypeDateTime.Convert("not a date")
		assert.Error(t, err)
	})

	t.Run("text rejects non-strings", func(t *testing.T) {
		_, err := TypeText.Convert(12)
		assert.Error(t, err)
	})
}

func TestTypeOfSQL(t *testing.T) {
	tests := []struct {
		sqlType string
		want    DataType
	}{
		{"character varying", TypeText},
		{"text", TypeText},
		{"uuid", TypeText},
		{"bigint", TypeInt},
		{"integer", TypeInt},
		{"numeric", TypeFloat},
		{"double precision", TypeFloat},
		{"timestamp with time zone", TypeDateTime},
		{"date", TypeDateTime},
		{"bytea", TypeText}, // unknown collapses to text
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeOfSQL(tt.sqlType), tt.sqlType)
	}
}

func TestValueString(t *testing.T) {
	v, err := TypeFloat.Convert("10.50")
	require.NoError(t, err)
	assert.Equal(t, "10.5", v.String())

	v, err = TypeInt.Convert("42")
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())
}

func TestNormalizePayload(t *testing.T) {
	out := NormalizePayload(map[string]any{
		"Amount":                 100,
		" Source_Account_Number": "0123456789",
	})
	assert.Equal(t, 100, out["amount"])
	assert.Equal(t, "0123456789", out["source_account_number"])
}
