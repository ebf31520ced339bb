package validation

import (
	"testing"
)

func TestIsValidAccountNumber(t *testing.T) {
	tests := []struct {
		acct  string
		valid bool
	}{
		{"0123456789", true},
		{"9999999999", true},

		// Invalid cases
		{"123456789", false},   // Too short
		{"12345678901", false}, // Too long
		{"12345678ab", false},  // Invalid chars
		{"", false},
		{" 0123456789", false}, // Leading space
	}

	for _, tc := range tests {
		result := IsValidAccountNumber(tc.acct)
		if result != tc.valid {
			t.Errorf("IsValidAccountNumber(%q) = %v, want %v", tc.acct, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("ruleName", "large-transfer"),
		ValidAccount("sourceAccountNumber", "0123456789"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("ruleName", ""),
		ValidAccount("sourceAccountNumber", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
