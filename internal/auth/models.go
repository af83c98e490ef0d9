package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// ModelFilter decides whether a key may address a model. It supports two
// matching modes:
//
//   - Exact match: the model string must equal the rule exactly.
//   - Regex match: rules wrapped in slashes ("/gpt-4.*/") are compiled and
//     the model string is tested against the pattern.
//
// A nil *ModelFilter is safe to call — Allows always returns true, matching
// the "no restriction" default for keys without a model list.
type ModelFilter struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewModelFilter compiles the given rules. Returns an error if any pattern
// fails to compile so that a broken key record is caught at validation time.
func NewModelFilter(rules []string) (*ModelFilter, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	mf := &ModelFilter{exact: make(map[string]struct{}, len(rules))}
	for _, r := range rules {
		if r == "" {
			continue
		}
		if strings.HasPrefix(r, "/") && strings.HasSuffix(r, "/") && len(r) > 2 {
			re, err := regexp.Compile(r[1 : len(r)-1])
			if err != nil {
				return nil, fmt.Errorf("model filter: invalid pattern %q: %w", r, err)
			}
			mf.patterns = append(mf.patterns, re)
			continue
		}
		mf.exact[r] = struct{}{}
	}
	return mf, nil
}

// Allows reports whether the model passes the filter. Exact rules are checked
// first (O(1)), then regex patterns in order.
func (mf *ModelFilter) Allows(model string) bool {
	if mf == nil {
		return true
	}
	if _, ok := mf.exact[model]; ok {
		return true
	}
	for _, re := range mf.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (mf *ModelFilter) Len() int {
	if mf == nil {
		return 0
	}
	return len(mf.exact) + len(mf.patterns)
}
