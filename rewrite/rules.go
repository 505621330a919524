// Package rewrite holds the static text substitution tables derived from the configured
// domains. Upstream JSON may carry slashes escaped as `\/` (as sent by the API) or plain (as
// produced after a structural edit), so every rule exists in both spellings.
package rewrite

import (
	"regexp"
	"strings"
)

// Rule is one regular expression substitution.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement []byte
}

// Apply replaces every match of the rule in b. The second result is false, and b is returned
// as is, when nothing matched.
func (r Rule) Apply(b []byte) ([]byte, bool) {
	if !r.Pattern.Match(b) {
		return b, false
	}
	return r.Pattern.ReplaceAll(b, r.Replacement), true
}

// Rules is an ordered substitution list.
type Rules []Rule

// Apply runs all rules in order.
func (rs Rules) Apply(b []byte) ([]byte, bool) {
	changed := false
	for _, r := range rs {
		var ok bool
		b, ok = r.Apply(b)
		changed = changed || ok
	}
	return b, changed
}

// DomainRules groups the rule sets used by the URL rewriter.
type DomainRules struct {
	// Content applies to every response of the API upstream.
	Content Rules
	// Longpoll applies to batch-execute responses on top of Content.
	Longpoll Rules
	// Secondary is the only set applied to responses of the web upstream.
	Secondary Rules
}

// Hosts names the upstream hosts the rules recognize.
type Hosts struct {
	API string
	Web string
}

// slash is how a path separator is spelled inside a body.
type slash struct {
	suffix  string // rule name suffix
	pattern string // regexp matching one separator
	literal string // separator written into replacements
}

var (
	escaped = slash{suffix: "escaped", pattern: `\\/`, literal: `\/`}
	plain   = slash{suffix: "plain", pattern: `/`, literal: `/`}
)

const assetHosts = `(?:userapi\.com|vk-cdn\.net|vk\.me)`

// NewDomainRules builds the tables for the public API and assets domains. Domain strings are
// escaped once here and reused by every substitution.
func NewDomainRules(apiDomain, assetsDomain string, hosts Hosts) *DomainRules {
	web := regexp.QuoteMeta(hosts.Web)
	api := regexp.QuoteMeta(hosts.API)

	rules := &DomainRules{}
	for _, s := range []slash{escaped, plain} {
		apiOut := template(apiDomain, s)
		assetsOut := template(assetsDomain, s)
		webOut := template(hosts.Web, s)
		q := s.pattern
		r := s.literal

		rules.Content = append(rules.Content,
			newRule("assets-"+s.suffix,
				`"https:`+q+q+`(pu\.`+web+`|[-_a-zA-Z0-9]+\.`+assetHosts+`)`+q+`([^"]+)`,
				`"https:`+r+r+assetsOut+r+`${1}`+r+`${2}`),
			newRule("video-playlist-"+s.suffix,
				`"https:`+q+q+web+q+`(video_hls\.php[^"]+)`,
				`"https:`+r+r+apiOut+r+webOut+r+`${1}`),
			newRule("documents-"+s.suffix,
				`"https:`+q+q+web+q+`((?:images|sticker|doc-?[0-9]+_)[^"]*)`,
				`"https:`+r+r+assetsOut+r+webOut+r+`${1}`),
			newRule("article-preview-"+s.suffix,
				`,"view_url":"https:`+q+q+`m\.`+web+q+`[^"]*"`,
				``),
			newRule("article-preview-leading-"+s.suffix,
				`"view_url":"https:`+q+q+`m\.`+web+q+`[^"]*",?`,
				``),
		)

		rules.Longpoll = append(rules.Longpoll,
			newRule("longpoll-server-"+s.suffix,
				`"server":"`+api+q+`([^"]+)"`,
				`"server":"`+apiOut+r+`${1}"`),
		)
	}

	rules.Secondary = Rules{
		newRule("playlist-media",
			`https://([-_a-zA-Z0-9]+\.`+assetHosts+`)/(.+)`,
			`https://`+template(assetsDomain, plain)+`/${1}/${2}`),
	}

	return rules
}

// template spells a domain for the given separator style and protects it from regexp
// expansion.
func template(domain string, s slash) string {
	out := strings.ReplaceAll(domain, "$", "$$")
	if s.literal != "/" {
		out = strings.ReplaceAll(out, "/", s.literal)
	}
	return out
}

func newRule(name, pattern, replacement string) Rule {
	return Rule{
		Name:        name,
		Pattern:     regexp.MustCompile(pattern),
		Replacement: []byte(replacement),
	}
}
