// Package filters contains the content handlers registered on the response chain.
package filters

import (
	"fmt"

	"vkproxy/pipeline"
)

// API methods the ads filter recognizes.
const (
	MethodNewsfeedSmart   = "/method/execute.getNewsfeedSmart"
	MethodNewsfeedGet     = "/method/newsfeed.get"
	MethodCountersAndInfo = "/method/execute.getCountersAndInfo"
	MethodUserInfo        = "/method/execute.getUserInfo"
	MethodExecutePrefix   = "/method/execute"
)

// adSettings are settings entries whose availability is forced off.
var adSettings = map[string]bool{
	"audio_ads":          true,
	"audio_restrictions": true,
}

// AdsFilter removes advertisement items from feeds and disables ad related flags in
// counters and user info responses.
type AdsFilter struct{}

// NewAdsFilter returns the ads filter.
func NewAdsFilter() *AdsFilter { return &AdsFilter{} }

func (f *AdsFilter) Name() string { return "ads-filter" }

// Transform plans every edit against the parsed tree first and commits them with a single
// SetParsed only when at least one edit was planned.
func (f *AdsFilter) Transform(v *pipeline.View, rc *pipeline.RequestContext) error {
	if rc.Target.Secondary {
		return nil
	}

	var planFn func(response map[string]any) ([]func(), error)
	switch rc.Target.Path {
	case MethodNewsfeedSmart, MethodNewsfeedGet:
		planFn = planFeed
	case MethodCountersAndInfo:
		planFn = planCounters
	case MethodUserInfo:
		planFn = planUserInfo
	default:
		return nil
	}

	tree, err := v.Parsed()
	if err != nil {
		return err
	}
	root, ok := tree.(map[string]any)
	if !ok {
		return nil
	}
	response, ok := root["response"].(map[string]any)
	if !ok {
		return nil
	}

	edits, err := planFn(response)
	if err != nil {
		return err
	}
	if len(edits) == 0 {
		return nil
	}
	for _, apply := range edits {
		apply()
	}
	v.SetParsed(root)
	return nil
}

func planFeed(response map[string]any) ([]func(), error) {
	raw, ok := response["items"]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("feed items: unexpected %T", raw)
	}

	kept := make([]any, 0, len(items))
	for _, item := range items {
		if !isAd(item) {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(items) {
		return nil, nil
	}
	return []func(){func() { response["items"] = kept }}, nil
}

func isAd(item any) bool {
	post, ok := item.(map[string]any)
	if !ok {
		return false
	}
	switch post["type"] {
	case "ads":
		return true
	case "post":
		n, ok := asInt(post["marked_as_ads"])
		return ok && n == 1
	}
	return false
}

// number is satisfied by json.Number as produced by the view codec.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			return int64(f), ferr == nil
		}
		return i, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func planCounters(response map[string]any) ([]func(), error) {
	var edits []func()

	if raw, ok := response["audio_ads"]; ok && raw != nil {
		audioAds, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("audio_ads: unexpected %T", raw)
		}
		if n, _ := asInt(audioAds["day_limit"]); n != 0 || !isEmptyList(audioAds["types_allowed"]) || !isEmptyList(audioAds["sections"]) {
			edits = append(edits, func() {
				audioAds["day_limit"] = 0
				audioAds["types_allowed"] = []any{}
				audioAds["sections"] = []any{}
			})
		}
	}
	for _, flag := range []string{"profiler_enabled", "music_intro"} {
		flag := flag // per-iteration copy; go directive is below 1.22
		if v, ok := response[flag]; ok && !isFalse(v) {
			edits = append(edits, func() { response[flag] = false })
		}
	}
	if raw, ok := response["settings"]; ok && raw != nil {
		settings, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("settings: unexpected %T", raw)
		}
		for _, s := range settings {
			setting, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if name, _ := setting["name"].(string); adSettings[name] && !isFalse(setting["available"]) {
				edits = append(edits, func() { setting["available"] = false })
			}
		}
	}
	return edits, nil
}

func isFalse(v any) bool {
	b, ok := v.(bool)
	return ok && !b
}

func isEmptyList(v any) bool {
	list, ok := v.([]any)
	return ok && len(list) == 0
}

func planUserInfo(response map[string]any) ([]func(), error) {
	raw, ok := response["info"]
	if !ok || raw == nil {
		return nil, nil
	}
	info, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("user info: unexpected %T", raw)
	}
	return planCounters(info)
}
