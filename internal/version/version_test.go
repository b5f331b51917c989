// ABOUTME: Tests for product identification
// ABOUTME: Checks the identifiers used in logs, discovery records and the user agent
package version

import (
	"strings"
	"testing"
)

func TestIdentifiersDefined(t *testing.T) {
	for name, v := range map[string]string{
		"Version":      Version,
		"Product":      Product,
		"Manufacturer": Manufacturer,
	} {
		if v == "" {
			t.Errorf("%s should not be empty", name)
		}
		if len(v) > 100 {
			t.Errorf("%s is unreasonably long: %q", name, v)
		}
	}
}

func TestManufacturerIsTXTSafe(t *testing.T) {
	// mDNS TXT values are key=value pairs
	if strings.ContainsAny(Manufacturer, "= ") {
		t.Errorf("manufacturer %q must not contain '=' or spaces", Manufacturer)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if ua != "hiresti/"+Version {
		t.Errorf("unexpected user agent %q", ua)
	}
	if strings.Contains(ua, " ") {
		t.Errorf("user agent %q should be a single token", ua)
	}
}
