// Package qualify holds the pure decision functions that decide whether an
// analytics event is forwarded to the CRM: the event-name allow-list, the
// email-domain deny-list, identity (email) resolution and timestamp
// derivation. Nothing in this package performs I/O or mutates its input.
package qualify

import "strings"

// ParseList splits a comma-separated configuration value, trims each entry
// and drops entries that are empty after trimming.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsTriggeringEvent reports whether eventName appears in the comma-separated
// allowList. An empty allow-list matches nothing.
func IsTriggeringEvent(allowList, eventName string) bool {
	name := strings.TrimSpace(eventName)
	if name == "" {
		return false
	}
	for _, allowed := range ParseList(allowList) {
		if allowed == name {
			return true
		}
	}
	return false
}

// IsIgnoredEmailDomain reports whether the domain of email (everything after
// the first '@') appears in the comma-separated ignoredDomains list.
//
// The comparison is exact and case-sensitive: "Example.com" does not match an
// entry of "example.com".
func IsIgnoredEmailDomain(ignoredDomains, email string) bool {
	_, domain, found := strings.Cut(email, "@")
	if !found {
		return false
	}
	for _, ignored := range ParseList(ignoredDomains) {
		if ignored == domain {
			return true
		}
	}
	return false
}
