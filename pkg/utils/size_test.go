package utils

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		// Plain numbers are bytes
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},

		// Decimal units
		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},
		{"2GB", 2000000000, false},

		// Binary units
		{"1K", 1024, false},
		{"64KiB", 65536, false},
		{"1M", 1048576, false},
		{"1MiB", 1048576, false},
		{"1.5MiB", 1572864, false},
		{"1GiB", 1073741824, false},

		// Case and spacing
		{"1mib", 1048576, false},
		{" 10 KB ", 10000, false},

		// Error cases
		{"", 0, true},
		{"invalid", 0, true},
		{"MB", 0, true},
		{"1.2.3MB", 0, true},
		{"1TB", 0, true},
		{"-1", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseByteSize(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatByteSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1 MiB"},
		{1572864, "1.5 MiB"},
		{1073741824, "1 GiB"},
		{-1, "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatByteSize(tt.input); got != tt.expected {
				t.Errorf("FormatByteSize(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestByteSizeYAML(t *testing.T) {
	var cfg struct {
		Limit ByteSize `yaml:"limit"`
		Raw   ByteSize `yaml:"raw"`
	}
	if err := yaml.Unmarshal([]byte("limit: 1MiB\nraw: 2048\n"), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if cfg.Limit != ByteSize(MebiByte) {
		t.Errorf("Limit = %d, want %d", cfg.Limit, MebiByte)
	}
	if cfg.Raw != 2048 {
		t.Errorf("Raw = %d, want 2048", cfg.Raw)
	}
	if cfg.Limit.String() != "1 MiB" {
		t.Errorf("String() = %q, want %q", cfg.Limit.String(), "1 MiB")
	}

	if err := yaml.Unmarshal([]byte("limit: lots\n"), &cfg); err == nil {
		t.Error("Expected error for invalid size")
	}
	if err := yaml.Unmarshal([]byte("limit: [1, 2]\n"), &cfg); err == nil {
		t.Error("Expected error for non-scalar size")
	}
}
