package apps

import "strings"

const maxSubdomainLength = 63

// Subdomain derives the DNS label an application is served under.
func Subdomain(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSubdomainLength {
		slug = strings.TrimRight(slug[:maxSubdomainLength], "-")
	}
	return slug
}
