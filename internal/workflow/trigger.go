package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// Trigger matches step output.
type Trigger interface {
	Match(output string) bool
	String() string
}

type substringTrigger string

func (s substringTrigger) Match(output string) bool { return strings.Contains(output, string(s)) }
func (s substringTrigger) String() string { return string(s) }

type regexpTrigger struct{ re *regexp.Regexp }

func (r regexpTrigger) Match(output string) bool { return r.re.MatchString(output) }
func (r regexpTrigger) String() string { return "re:" + r.re.String() }

// CompileTrigger parses a trigger. A "re:" prefix makes it a regular
// expression; anything else is a plain substring.
func CompileTrigger(s string) (Trigger, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("trigger is empty")
	}
	if expr, ok := strings.CutPrefix(s, "re:"); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", s, err)
		}
		return regexpTrigger{re: re}, nil
	}
	return substringTrigger(s), nil
}
