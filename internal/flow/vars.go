package flow

import (
	"os"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LookupFunc finds a variable outside the flow, usually os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// Substitute replaces ${NAME} placeholders from vars first, then lookup.
// Placeholders found in neither stay verbatim and are returned in order of
// appearance.
func Substitute(s string, vars map[string]string, lookup LookupFunc) (string, []string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := lookup(name); ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	return out, missing
}
