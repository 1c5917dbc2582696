package config

import (
	"fmt"
	"strings"
)

// Regional CRM API endpoints.
const (
	USBaseURL = "https://api.intercom.io"
	EUBaseURL = "https://api.eu.intercom.com"
)

// ResolveBaseURL picks the CRM endpoint from the data-residency flag. A
// non-empty override wins. Unrecognised flag spellings are rejected rather
// than silently routed to the US region.
func ResolveBaseURL(useEuropeanDataStorage, override string) (string, error) {
	if override != "" {
		return strings.TrimSuffix(override, "/"), nil
	}

	switch strings.ToLower(strings.TrimSpace(useEuropeanDataStorage)) {
	case "yes", "y", "true", "1", "on":
		return EUBaseURL, nil
	case "", "no", "n", "false", "0", "off":
		return USBaseURL, nil
	default:
		return "", fmt.Errorf("unrecognised USE_EUROPEAN_DATA_STORAGE value %q", useEuropeanDataStorage)
	}
}
