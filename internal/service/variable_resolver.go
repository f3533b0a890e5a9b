package service

import (
	"regexp"
	"strings"

	"courier/internal/model"
)

var variablePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// VariableResolver substitutes {{name}} tokens. It holds no state and every
// method is safe for concurrent use.
type VariableResolver struct{}

func NewVariableResolver() *VariableResolver {
	return &VariableResolver{}
}

// Resolve replaces {{variable}} patterns with values from vars.
// Unknown names are left verbatim.
func (vr *VariableResolver) Resolve(input string, vars map[string]string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if val, ok := vars[varName]; ok {
			return val
		}
		return match // Keep original if not found
	})
}

// ResolveRequest returns a resolved copy of spec. spec itself is not touched.
func (vr *VariableResolver) ResolveRequest(spec model.RequestSpec, vars map[string]string) model.RequestSpec {
	out := spec.Clone()
	out.URL = vr.Resolve(out.URL, vars)
	out.Body = vr.Resolve(out.Body, vars)
	for i, h := range out.Headers {
		out.Headers[i].Key = vr.Resolve(h.Key, vars)
		out.Headers[i].Value = vr.Resolve(h.Value, vars)
	}
	for i, p := range out.QueryParams {
		out.QueryParams[i].Key = vr.Resolve(p.Key, vars)
		out.QueryParams[i].Value = vr.Resolve(p.Value, vars)
	}
	vr.resolveAuth(&out.Auth, vars)
	return out
}

func (vr *VariableResolver) resolveAuth(auth *model.Auth, vars map[string]string) {
	if b := auth.Basic; b != nil {
		b.Username = vr.Resolve(b.Username, vars)
		b.Password = vr.Resolve(b.Password, vars)
	}
	if b := auth.Bearer; b != nil {
		b.Token = vr.Resolve(b.Token, vars)
		b.Prefix = vr.Resolve(b.Prefix, vars)
	}
	if a := auth.APIKey; a != nil {
		a.Key = vr.Resolve(a.Key, vars)
		a.Value = vr.Resolve(a.Value, vars)
		a.Placement = vr.Resolve(a.Placement, vars)
	}
	if o := auth.OAuth2; o != nil {
		for _, field := range []*string{
			&o.GrantType, &o.AuthURL, &o.TokenURL, &o.ClientID, &o.ClientSecret,
			&o.Scope, &o.RedirectURI, &o.Username, &o.Password, &o.AccessToken,
			&o.HeaderPrefix, &o.TokenKey,
		} {
			*field = vr.Resolve(*field, vars)
		}
	}
}

// ExtractVariableNames lists referenced names once each, in order of first use.
func (vr *VariableResolver) ExtractVariableNames(input string) []string {
	names := []string{}
	seen := make(map[string]bool)
	for _, m := range variablePattern.FindAllStringSubmatch(input, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// UnresolvedNames lists names referenced in input that are not present and
// enabled in env.
func (vr *VariableResolver) UnresolvedNames(input string, env model.Environment) []string {
	vars := env.Snapshot()
	missing := []string{}
	for _, name := range vr.ExtractVariableNames(input) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// UnresolvedInRequest collects unresolved names across every resolvable field.
func (vr *VariableResolver) UnresolvedInRequest(spec model.RequestSpec, env model.Environment) []string {
	var sb strings.Builder
	sb.WriteString(spec.URL)
	sb.WriteString(spec.Body)
	for _, h := range spec.Headers {
		if h.Enabled {
			sb.WriteString(h.Key)
			sb.WriteString(h.Value)
		}
	}
	for _, p := range spec.QueryParams {
		if p.Enabled {
			sb.WriteString(p.Key)
			sb.WriteString(p.Value)
		}
	}
	return vr.UnresolvedNames(sb.String(), env)
}
