// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intercept

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Action is what the router does with a matched request.
type Action string

const (
	// ActionObserve lets the request through unmodified and copies it to the tap.
	ActionObserve Action = "observe"
	// ActionModify asks the adapter to rewrite the payload before it is sent.
	ActionModify Action = "modify"
	// ActionBlock fails the request locally.
	ActionBlock Action = "block"
	// ActionSynthesize answers the request from adapter data without any network I/O.
	ActionSynthesize Action = "synthesize"
)

// Rule is one provider-declared interception rule. Rules are immutable once registered.
type Rule struct {
	Provider string `yaml:"provider" json:"provider"`
	Name     string `yaml:"name" json:"name"`

	// Method restricts the rule to one HTTP method; empty matches any.
	Method string `yaml:"method" json:"method"`

	// Pattern is a URL glob. "**" matches any run of characters, "*" any run without
	// a slash and "?" a single character. It is matched against the URL with its query
	// and fragment removed, so "**/api/chat" also matches "/api/chat?id=1".
	Pattern string `yaml:"pattern" json:"pattern"`

	Action Action `yaml:"action" json:"action"`

	// Priority orders evaluation; lower runs first, ties keep declaration order.
	Priority int `yaml:"priority" json:"priority"`

	// Capture streams the response body to the tap. The router performs the round trip
	// itself and fulfills the page with the full body afterwards.
	Capture bool `yaml:"capture" json:"capture"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s/%s[%s %s %s]", r.Provider, r.Name, r.Action, r.Method, r.Pattern)
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %s: pattern is required", r.Name)
	}
	switch r.Action {
	case ActionObserve, ActionModify, ActionSynthesize:
	case ActionBlock:
		if r.Capture {
			return fmt.Errorf("rule %s: blocked traffic cannot be captured", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
	}
	return nil
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func (c compiledRule) matches(method, rawURL string) bool {
	if c.Method != "" && !strings.EqualFold(c.Method, method) {
		return false
	}
	return c.re.MatchString(stripQuery(rawURL))
}

// stripQuery drops the query and fragment of rawURL.
func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// RuleSet is an ordered, compiled set of rules.
type RuleSet struct {
	rules []compiledRule
}

// Compile validates and orders rules by priority, keeping declaration order on ties.
func Compile(rules []Rule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		re, err := GlobToRegexp(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, re: re})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})
	return &RuleSet{rules: compiled}, nil
}

// Match returns the first rule matching the request.
func (s *RuleSet) Match(method, rawURL string) (Rule, bool) {
	for _, r := range s.rules {
		if r.matches(method, rawURL) {
			return r.Rule, true
		}
	}
	return Rule{}, false
}

// Patterns returns the distinct browser-level patterns to hook. The browser pattern
// language treats every "*" as a full wildcard and sees the query string, so each
// pattern gets a trailing "*" to stay a superset of the rule globs.
func (s *RuleSet) Patterns() []string {
	seen := make(map[string]bool, len(s.rules))
	out := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		p := strings.ReplaceAll(r.Pattern, "**", "*")
		if !strings.HasSuffix(p, "*") {
			p += "*"
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Rules returns the ordered rules.
func (s *RuleSet) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// GlobToRegexp converts a URL glob into an anchored regular expression.
func GlobToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// hostOf returns the lower-cased host of rawURL without port.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
