package filters

import (
	"fmt"

	"vkproxy/pipeline"
	"vkproxy/store"
	"vkproxy/tracker"
)

const tokenKey = "analytics.token"

// Analytics counts requests and distinct tokens per window and records users seen in
// user info responses. All counting happens in the response phase: a request that never
// gets a response leaves no trace.
type Analytics struct {
	state *tracker.State
}

// NewAnalytics creates the handler over shared state.
func NewAnalytics(state *tracker.State) *Analytics {
	return &Analytics{state: state}
}

func (a *Analytics) Name() string { return "analytics" }

// OnRequest remembers the client's access token for the response phase.
func (a *Analytics) OnRequest(rc *pipeline.RequestContext) error {
	if token := rc.Form.Get("access_token"); token != "" {
		rc.Set(tokenKey, token)
	}
	return nil
}

func (a *Analytics) Transform(v *pipeline.View, rc *pipeline.RequestContext) error {
	token, _ := rc.Value(tokenKey)
	tok, _ := token.(string)

	a.state.RecordRequest(int(rc.ResponseSize))
	a.state.RecordToken(tok)

	if rc.Target.Secondary || rc.Target.Path != MethodUserInfo {
		return nil
	}

	user, ok, err := profile(v)
	if err != nil || !ok {
		return err
	}
	// persistence problems are logged by the tracker and never fail the response
	_, _ = a.state.ObserveUser(rc.Context(), user)
	return nil
}

// profile extracts response.profile from a user info body.
func profile(v *pipeline.View) (store.User, bool, error) {
	tree, err := v.Parsed()
	if err != nil {
		return store.User{}, false, err
	}
	root, _ := tree.(map[string]any)
	response, _ := root["response"].(map[string]any)
	p, _ := response["profile"].(map[string]any)
	if p == nil {
		return store.User{}, false, nil
	}

	id, ok := asInt(p["id"])
	if !ok {
		return store.User{}, false, fmt.Errorf("profile id: unexpected %T", p["id"])
	}
	first, _ := p["first_name"].(string)
	last, _ := p["last_name"].(string)
	return store.User{ID: id, Name: first, Surname: last}, true, nil
}
