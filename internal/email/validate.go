package email

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// maxAddressBytes is the longest address accepted, per RFC 5321 limits.
const maxAddressBytes = 254

// addressPattern is a deliberately simple local@domain.tld shape: one @,
// non-empty local and domain parts, and a TLD of at least two letters.
var addressPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[a-zA-Z]{2,}$`)

// ValidationError reports a message that was rejected before any backend
// call, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidAddress reports whether a satisfies the gateway's address
// grammar. Acceptance implies len(a) <= 254 and exactly one '@'.
func IsValidAddress(a string) bool {
	if a == "" || len(a) > maxAddressBytes {
		return false
	}
	return addressPattern.MatchString(a)
}

// Validate checks the message against the acceptance rules: at least one
// primary recipient, every address well-formed (including the effective
// sender), sane attachments, and an aggregate attachment size within
// maxAttachmentBytes. It returns a *ValidationError and performs no
// network I/O.
func (m *Message) Validate(sender string, maxAttachmentBytes int64) error {
	if len(m.To) == 0 {
		return &ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	if !IsValidAddress(sender) {
		return &ValidationError{Field: "from", Reason: fmt.Sprintf("%q is not a valid address", sender)}
	}

	groups := []struct {
		field string
		addrs []string
	}{
		{"to", m.To},
		{"cc", m.Cc},
		{"bcc", m.Bcc},
	}
	for _, g := range groups {
		for _, addr := range g.addrs {
			if !IsValidAddress(addr) {
				return &ValidationError{Field: g.field, Reason: fmt.Sprintf("%q is not a valid address", addr)}
			}
		}
	}

	var total int64
	for i := range m.Attachments {
		att := &m.Attachments[i]

		if SanitizeFilename(att.Name) == "" {
			return &ValidationError{
				Field:  "attachments",
				Reason: fmt.Sprintf("file name %q is empty after sanitizing", att.Name),
			}
		}
		if att.Inline && strings.TrimSpace(att.ContentID) == "" {
			return &ValidationError{
				Field:  "attachments",
				Reason: fmt.Sprintf("inline attachment %q requires a content id", att.Name),
			}
		}

		info, err := os.Stat(att.Path)
		if err != nil {
			return &ValidationError{
				Field:  "attachments",
				Reason: fmt.Sprintf("cannot read %q: %v", att.Name, err),
			}
		}
		if !info.Mode().IsRegular() {
			return &ValidationError{
				Field:  "attachments",
				Reason: fmt.Sprintf("%q is not a regular file", att.Name),
			}
		}
		if info.Size() == 0 {
			return &ValidationError{
				Field:  "attachments",
				Reason: fmt.Sprintf("%q is empty", att.Name),
			}
		}
		total += info.Size()
	}

	if total > maxAttachmentBytes {
		return &ValidationError{
			Field:  "attachments",
			Reason: fmt.Sprintf("aggregate attachment size %d exceeds the %d byte limit", total, maxAttachmentBytes),
		}
	}

	return nil
}
