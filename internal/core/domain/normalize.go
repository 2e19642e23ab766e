package domain

import (
	"net"
	"net/mail"
	"net/url"
	"strings"
)

// NormalizeIOCValue trims and case-folds a raw observable before hashing so
// that "Evil.COM " and "evil.com" collapse to the same indicator. It is
// deliberately type-independent: a lookup that omits the IOC type must still
// land on the same hash.
func NormalizeIOCValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// InferIOCType guesses the observable type of a raw value. Used when bulk
// ingesting plain blocklists that carry no type column.
func InferIOCType(value string) IOCType {
	v := strings.TrimSpace(value)
	if v == "" {
		return OtherIOC
	}

	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			return URL
		}
	}

	// "198.51.100.7:8080" style entries
	host := v
	if h, _, err := net.SplitHostPort(v); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return IPv4
		}
		return IPv6
	}

	if strings.Contains(v, "@") {
		if _, err := mail.ParseAddress(v); err == nil {
			return Email
		}
	}

	if isHex(v) {
		switch len(v) {
		case 32, 40, 64, 128:
			return FileHash
		}
	}

	if strings.Contains(v, ".") && !strings.ContainsAny(v, " /\\") {
		return Domain
	}

	return OtherIOC
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return s != ""
}
