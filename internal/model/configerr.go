package model

import (
	"fmt"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
)

// CueErrDetails flattens a CUE validation error into one human readable
// line per problem, suitable for printing before the CLI bails out.
func CueErrDetails(err error) []string {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, e := range cueerrors.Errors(err) {
		raw, _ := e.Msg()
		path := normalizePath(e.Path())
		msg := classify(raw, path)
		if _, ok := seen[msg]; ok {
			continue
		}
		seen[msg] = struct{}{}
		out = append(out, msg)
	}
	return out
}

func classify(raw, path string) string {
	switch {
	case reNotAllowed.MatchString(raw):
		return fmt.Sprintf("field %s is not allowed", path)
	case reIncomplete.MatchString(raw):
		return fmt.Sprintf("field %s is required and must be non-empty", path)
	case reConflict.MatchString(raw):
		return fmt.Sprintf("field %s has an invalid value", path)
	default:
		if path == "" {
			return raw
		}
		return path + ": " + raw
	}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the leading #Config definition
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
