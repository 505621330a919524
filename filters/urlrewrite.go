package filters

import (
	"strings"

	"vkproxy/pipeline"
	"vkproxy/rewrite"
)

// URLRewriter points upstream links at the proxy's own domains. It works on the raw text and
// must run after every structural edit.
type URLRewriter struct {
	rules *rewrite.DomainRules
}

// NewURLRewriter creates a rewriter over precompiled rules.
func NewURLRewriter(rules *rewrite.DomainRules) *URLRewriter {
	return &URLRewriter{rules: rules}
}

func (u *URLRewriter) Name() string { return "url-rewriter" }

func (u *URLRewriter) Transform(v *pipeline.View, rc *pipeline.RequestContext) error {
	raw, err := v.Raw()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var changed bool
	if rc.Target.Secondary {
		raw, changed = u.rules.Secondary.Apply(raw)
	} else {
		raw, changed = u.rules.Content.Apply(raw)
		if strings.HasPrefix(rc.Target.Path, MethodExecutePrefix) {
			var lp bool
			raw, lp = u.rules.Longpoll.Apply(raw)
			changed = changed || lp
		}
	}

	if changed {
		v.SetRaw(raw)
	}
	return nil
}
