package helpers

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// SplitEmailAddress returns the lowercased local part and domain of an address.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	local, domain, _ := strings.Cut(email, "@")
	return local, domain
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ParseAddressList parses an address header value. Values that are not valid
// RFC 5322 lists fall back to a comma split so sloppy headers still yield
// the addresses they obviously contain.
func ParseAddressList(value string) []*mail.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(value); err == nil {
		return addrs
	}

	var addrs []*mail.Address
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := mail.ParseAddress(part); err == nil {
			addrs = append(addrs, a)
			continue
		}
		if strings.Contains(part, "@") {
			addrs = append(addrs, &mail.Address{Address: strings.Trim(part, "<>\" ")})
		}
	}
	return addrs
}

// FormatAddress renders an address as "Name <email>" or just the email.
func FormatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}
