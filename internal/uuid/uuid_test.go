// Package uuid provides unit tests for identifier handling.
package uuid

import "testing"

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q is not a valid UUID v4", id)
		}
		if seen[id] {
			t.Fatalf("New() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid tests strict v4 validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"123e4567-e89b-42d3-a456-426614174000", true},
		{"123e4567-e89b-12d3-a456-426614174000", false}, // version 1
		{"123e4567-e89b-42d3-c456-426614174000", false}, // bad variant
		{"123e4567e89b42d3a456426614174000", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.in); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestNormalizeTaskID tests quote stripping of upload responses.
func TestNormalizeTaskID(t *testing.T) {
	const id = "0b8f2a3e-6c1d-4c57-9a0e-2f3b4c5d6e7f"
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", id, id, false},
		{"quoted", `"` + id + `"`, id, false},
		{"quoted with newline", `"` + id + "\"\n", id, false},
		{"uppercase", `"0B8F2A3E-6C1D-4C57-9A0E-2F3B4C5D6E7F"`, id, false},
		{"empty quotes", `""`, "", true},
		{"garbage", `"not-a-task"`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTaskID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeTaskID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeTaskID() = %q, want %q", got, tt.want)
			}
		})
	}
}
