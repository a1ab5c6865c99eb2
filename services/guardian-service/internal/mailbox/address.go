package mailbox

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// NormalizeAddress lowercases and trims an address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ExtractAddress returns the normalised address of a From-style header
// value such as `"Jane Doe" <Jane@Example.com>`. Unparseable values fall
// back to the text between angle brackets, then to the trimmed input.
func ExtractAddress(header string) string {
	if a, err := mail.ParseAddress(header); err == nil {
		return NormalizeAddress(a.Address)
	}
	if i := strings.LastIndex(header, "<"); i >= 0 {
		rest := header[i+1:]
		if j := strings.Index(rest, ">"); j >= 0 {
			return NormalizeAddress(rest[:j])
		}
	}
	return NormalizeAddress(strings.Trim(header, `"' `))
}

// DisplayName returns the display name of a From-style header value, if any.
func DisplayName(header string) string {
	if a, err := mail.ParseAddress(header); err == nil {
		return a.Name
	}
	return ""
}
