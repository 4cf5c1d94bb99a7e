package lockstore

import (
	"fmt"
	"strings"
	"unicode"
)

// maxResourceLen bounds resource names so they stay readable in audit output.
const maxResourceLen = 255

// reservedResources are names that read as placeholders rather than resources.
var reservedResources = map[string]struct{}{
	"null":      {},
	"none":      {},
	"nil":       {},
	"undefined": {},
	"default":   {},
	"all":       {},
	"root":      {},
	"system":    {},
	"admin":     {},
	"*":         {},
}

// InvalidResourceError is returned when a resource name is rejected.
type InvalidResourceError struct {
	Resource string
	Reason   string
}

func (e *InvalidResourceError) Error() string {
	return fmt.Sprintf("invalid lock resource %q: %s", e.Resource, e.Reason)
}

// ValidateResource rejects names that are empty, whitespace padded, too long,
// contain control characters, have no letter or digit, or are reserved.
func ValidateResource(name string) error {
	invalid := func(reason string) error {
		return &InvalidResourceError{Resource: name, Reason: reason}
	}
	if name == "" {
		return invalid("empty")
	}
	if strings.TrimSpace(name) != name {
		return invalid("leading or trailing whitespace")
	}
	if len(name) > maxResourceLen {
		return invalid(fmt.Sprintf("longer than %d bytes", maxResourceLen))
	}
	alnum := false
	for _, r := range name {
		if unicode.IsControl(r) {
			return invalid("contains control character")
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum = true
		}
	}
	if _, ok := reservedResources[strings.ToLower(name)]; ok {
		return invalid("reserved name")
	}
	if !alnum {
		return invalid("no letter or digit")
	}
	return nil
}
