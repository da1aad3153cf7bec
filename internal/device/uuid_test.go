package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit UUID formats
		{"16-bit UUID", "2902", "2902"},
		{"16-bit UUID with 0x prefix", "0x2902", "2902"},
		{"16-bit UUID with 0X prefix", "0X2902", "2902"},

		// Bluetooth SIG base UUID format (should extract 16-bit form)
		{"SIG UUID with dashes", "00002902-0000-1000-8000-00805f9b34fb", "2902"},
		{"SIG UUID without dashes", "0000290200001000800000805f9b34fb", "2902"},
		{"SIG UUID uppercase", "0000180D-0000-1000-8000-00805F9B34FB", "180d"},

		// Custom 128-bit UUIDs (should NOT be shortened)
		{"custom UUID - wrong prefix", "AA002902-0000-1000-8000-00805f9b34fb", "aa00290200001000800000805f9b34fb"},
		{"custom UUID - wrong suffix", "00002902-1234-5678-9abc-def012345678", "00002902123456789abcdef012345678"},
		{"nordic UART", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},

		// Edge cases
		{"empty string", "", ""},
		{"surrounding whitespace", "  180F ", "180f"},
		{"32-bit UUID", "12345678", "12345678"},
		{"not hexadecimal", "not-a-uuid", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	input := []string{
		"2902",
		"0x180d",
		"00002a37-0000-1000-8000-00805f9b34fb",
		"6e400001-b5a3-f393-e0a9-e50e24dcca9e",
	}

	expected := []string{
		"2902",
		"180d",
		"2a37",
		"6e400001b5a3f393e0a9e50e24dcca9e",
	}

	assert.Equal(t, expected, NormalizeUUIDs(input))
	assert.Nil(t, NormalizeUUIDs(nil))
}

// Test edge cases that should NOT be shortened
func TestNormalizeUUID_NoShortening(t *testing.T) {
	inputs := map[string]string{
		"prefix is not 0000":                      "AA002902-0000-1000-8000-00805f9b34fb",
		"suffix doesn't match Bluetooth SIG base": "00002902-1234-5678-9abc-def012345678",
		"only 8 chars, not 32":                    "00002902",
		"34 chars, not 32":                        "0000290200001000800000805f9b34fb00",
	}

	for reason, input := range inputs {
		t.Run(reason, func(t *testing.T) {
			result := NormalizeUUID(input)
			assert.NotEqual(t, "2902", result, "Should NOT shorten: %s", reason)
			assert.Equal(t, strings.ToLower(strings.ReplaceAll(input, "-", "")), result)
		})
	}
}

func TestValidateUUID(t *testing.T) {
	t.Run("valid UUIDs are normalized", func(t *testing.T) {
		got, err := ValidateUUID("180F", "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
		require.NoError(t, err)
		assert.Equal(t, []string{"180f", "6e400002b5a3f393e0a9e50e24dcca9e"}, got)
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name  string
			input []string
			msg   string
		}{
			{"no UUIDs", nil, "at least one UUID is required"},
			{"empty UUID", []string{"180f", ""}, "UUID at index 1 cannot be empty"},
			{"bad length", []string{"18f"}, "invalid UUID format at index 0"},
			{"not hexadecimal", []string{"zzzz"}, "invalid UUID format at index 0"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateUUID(tt.input...)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.msg)
			})
		}
	})
}
