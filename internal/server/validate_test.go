package server

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"normal message", "hello there", false},
		{"unicode message", "héllo wörld 你好", false},
		{"empty", "", true},
		{"whitespace only", "   \t\n", true},
		{"too many bytes", strings.Repeat("aaaa", 1025), true},
		{"too many chars", strings.Repeat("a", 2001), true},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), true},
		{"max chars exactly", strings.Repeat("a", 2000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContent(%q...) error = %v, wantErr %v", truncate(tt.content), err, tt.wantErr)
			}
		})
	}
}

func truncate(s string) string {
	if len(s) > 20 {
		return s[:20]
	}
	return s
}
