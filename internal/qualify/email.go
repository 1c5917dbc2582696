package qualify

import (
	"regexp"
	"strings"

	"crmrelay/internal/types"
)

// emailPattern accepts a dot-atom or quoted local part, followed by either a
// bracketed IPv4 literal or a dotted hostname ending in an alphabetic TLD.
// Whitespace in the local part includes Unicode separators and the BOM.
var emailPattern = regexp.MustCompile(
	`^(([^<>()\[\]\\.,;:\s\p{Z}\x{FEFF}@"]+(\.[^<>()\[\]\\.,;:\s\p{Z}\x{FEFF}@"]+)*)|(".+"))@` +
		`((\[[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\])|(([a-zA-Z\-0-9]+\.)+[a-zA-Z]{2,}))$`,
)

// emailKey is the identity field looked up in $set and properties.
const emailKey = "email"

// IsEmail reports whether s is a syntactically valid email address. The check
// is case-insensitive and purely syntactic (no DNS or deliverability probe).
func IsEmail(s string) bool {
	if s == "" {
		return false
	}
	return emailPattern.MatchString(strings.ToLower(s))
}

// ResolveEmail extracts the contact email from an event, returning "" when
// none is found. Sources are consulted in order:
//
//  1. distinct_id, when it is itself an email address
//  2. $set.email
//  3. properties.email
//
// A top-level "email" field on the event is not a source.
func ResolveEmail(event types.Event) string {
	if IsEmail(event.DistinctID) {
		return event.DistinctID
	}
	if email, ok := stringField(event.Set, emailKey); ok && IsEmail(email) {
		return email
	}
	if email, ok := stringField(event.Properties, emailKey); ok && IsEmail(email) {
		return email
	}
	return ""
}

// ResolveContact combines ResolveEmail with the distinct_id fallback used as
// the contact's external id. It returns false when the event carries neither
// an email nor a distinct_id, leaving nothing to look the contact up by.
func ResolveContact(event types.Event) (types.ResolvedContact, bool) {
	contact := types.ResolvedContact{
		Email:      ResolveEmail(event),
		ExternalID: strings.TrimSpace(event.DistinctID),
	}
	if contact.Email == "" && contact.ExternalID == "" {
		return contact, false
	}
	return contact, true
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}
