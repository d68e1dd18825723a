// Package replace implements the hot-reloadable text correction pass applied to
// transcript text before it is inserted into the document.
//
// Rules are data, not code: a YAML table of regular expressions and
// replacement templates, compiled with the standard regexp package.
package replace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrNoRules is returned for a rule source that defines no rules. A truncated
// or half-saved file usually looks like this, so it is rejected rather than
// silently disabling every correction.
var ErrNoRules = errors.New("rule source defines no rules")

// Rule is one replacement. Replace may reference capture groups as ${1}.
type Rule struct {
	Pattern    string `yaml:"pattern"`
	Replace    string `yaml:"replace"`
	IgnoreCase bool   `yaml:"ignore_case,omitempty"`
	// Literal treats Pattern and Replace as plain text.
	Literal bool `yaml:"literal,omitempty"`
}

// Source is the on-disk rule table.
type Source struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
	literal bool
}

// Table is a compiled, immutable rule table. Rules apply in order, each to the
// output of the previous one.
type Table struct {
	rules []compiledRule
}

// Compile parses and compiles a YAML rule source. Unknown keys are rejected.
func Compile(src []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var s Source
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoRules
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(s.Rules) == 0 {
		return nil, ErrNoRules
	}

	t := &Table{rules: make([]compiledRule, 0, len(s.Rules))}
	for i, r := range s.Rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: empty pattern", i+1)
		}
		expr := r.Pattern
		if r.Literal {
			expr = regexp.QuoteMeta(expr)
		}
		if r.IgnoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i+1, r.Pattern, err)
		}
		t.rules = append(t.rules, compiledRule{re: re, replace: r.Replace, literal: r.Literal})
	}
	return t, nil
}

// Apply runs every rule over text. A nil table returns text unchanged.
func (t *Table) Apply(text string) string {
	if t == nil {
		return text
	}
	for _, r := range t.rules {
		if r.literal {
			text = r.re.ReplaceAllLiteralString(text, r.replace)
		} else {
			text = r.re.ReplaceAllString(text, r.replace)
		}
	}
	return text
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}
