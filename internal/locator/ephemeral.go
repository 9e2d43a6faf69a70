package locator

import (
	"regexp"
	"strings"
)

// Ids UI frameworks generate per render or per session. Caching a plan that
// targets one of these breaks on the next page load.
var ephemeralIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^:[A-Za-z0-9_-]*:$`),    // React useId ":r12:"
	regexp.MustCompile(`^«[A-Za-z0-9_-]*»$`),    // React 19 useId
	regexp.MustCompile(`^\d+$`),                 // bare counters
	regexp.MustCompile(`(?i)^(radix|headlessui|react-aria\d*|downshift|react-select|mui|mat-[a-z-]+|rc-[a-z]+|ember|ext-gen|ext-comp|yui_|jsx|vue|svelte|ng-[a-z]+)[-_]?[A-Za-z0-9_:-]*\d`),
	regexp.MustCompile(`(?i)^(input|field|el|elem|element|id|ctrl)[-_]?\d+$`),
	regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`),
	regexp.MustCompile(`(?i)[-_][0-9a-f]{8,}$`),
	regexp.MustCompile(`^[A-Za-z]{1,3}[-_]?[0-9A-Za-z]{0,2}\d{4,}$`),
}

// IsEphemeralID reports whether id looks framework-generated.
func IsEphemeralID(id string) bool {
	id = strings.TrimPrefix(strings.TrimSpace(id), "#")
	if id == "" {
		return false
	}
	if strings.Contains(id, ":") {
		return true
	}
	for _, re := range ephemeralIDPatterns {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}
