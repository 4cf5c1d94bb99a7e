package lockstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateResource(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		ok       bool
	}{
		{"simple", "session-x", true},
		{"path like", "workspace/feature-a", true},
		{"unicode", "résumé", true},
		{"empty", "", false},
		{"leading space", " x", false},
		{"trailing space", "x ", false},
		{"control char", "a\tb", false},
		{"punctuation only", "---", false},
		{"reserved", "null", false},
		{"reserved any case", "ADMIN", false},
		{"wildcard", "*", false},
		{"too long", strings.Repeat("a", maxResourceLen+1), false},
		{"max length", strings.Repeat("a", maxResourceLen), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResource(tt.resource)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
