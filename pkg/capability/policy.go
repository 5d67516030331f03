package capability

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// policyCompat is the manifest version range this build understands.
const policyCompat = ">= 1.0.0, < 2.0.0"

// GrantRule allows one scope for a principal, capped at MaxTTL. An optional
// CEL condition is evaluated at issuance against the request; a false or
// erroring condition denies the grant.
type GrantRule struct {
	Scope     string        `yaml:"scope"`
	MaxTTL    time.Duration `yaml:"max_ttl"`
	Condition string        `yaml:"condition,omitempty"`
}

// UnmarshalYAML accepts max_ttl as a Go duration string ("60s", "5m").
func (g *GrantRule) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Scope     string `yaml:"scope"`
		MaxTTL    string `yaml:"max_ttl"`
		Condition string `yaml:"condition"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	g.Scope = raw.Scope
	g.Condition = raw.Condition
	if raw.MaxTTL != "" {
		d, err := time.ParseDuration(raw.MaxTTL)
		if err != nil {
			return fmt.Errorf("capability: max_ttl %q: %w", raw.MaxTTL, err)
		}
		g.MaxTTL = d
	}
	return nil
}

// PrincipalPolicy is the set of grants one principal may request.
type PrincipalPolicy struct {
	Principal string      `yaml:"principal"`
	Grants    []GrantRule `yaml:"grants"`
}

// policyManifest is the YAML wire form supplied by the deployment/profile
// layer.
type policyManifest struct {
	Version    string            `yaml:"version"`
	Principals []PrincipalPolicy `yaml:"principals"`
}

type compiledGrant struct {
	rule    GrantRule
	program cel.Program // nil when the rule has no condition
}

// Policy is the compiled issuance policy: which scopes each principal may
// request and the TTL ceiling per scope.
type Policy struct {
	version    string
	principals map[string]map[string]compiledGrant // principal -> scope -> grant
}

// LoadPolicy parses a YAML policy manifest, gates its version against the
// supported range, and compiles any CEL conditions.
func LoadPolicy(data []byte) (*Policy, error) {
	var manifest policyManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("capability: parse policy manifest: %w", err)
	}
	if manifest.Version == "" {
		return nil, fmt.Errorf("capability: policy manifest missing version")
	}
	v, err := semver.NewVersion(manifest.Version)
	if err != nil {
		return nil, fmt.Errorf("capability: policy manifest version %q: %w", manifest.Version, err)
	}
	compat, err := semver.NewConstraint(policyCompat)
	if err != nil {
		return nil, fmt.Errorf("capability: compat constraint: %w", err)
	}
	if !compat.Check(v) {
		return nil, fmt.Errorf("capability: policy manifest version %s outside supported range %s", v, policyCompat)
	}

	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("ttl_seconds", cel.IntType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("capability: cel env: %w", err)
	}

	p := &Policy{
		version:    manifest.Version,
		principals: make(map[string]map[string]compiledGrant, len(manifest.Principals)),
	}
	for _, pp := range manifest.Principals {
		if pp.Principal == "" {
			return nil, fmt.Errorf("capability: policy entry missing principal")
		}
		grants := make(map[string]compiledGrant, len(pp.Grants))
		for _, rule := range pp.Grants {
			if rule.Scope == "" {
				return nil, fmt.Errorf("capability: principal %s has a grant without a scope", pp.Principal)
			}
			if rule.MaxTTL <= 0 {
				return nil, fmt.Errorf("capability: principal %s scope %s has non-positive max_ttl", pp.Principal, rule.Scope)
			}
			cg := compiledGrant{rule: rule}
			if rule.Condition != "" {
				ast, issues := env.Compile(rule.Condition)
				if issues != nil && issues.Err() != nil {
					return nil, fmt.Errorf("capability: condition for %s/%s: %w", pp.Principal, rule.Scope, issues.Err())
				}
				prg, err := env.Program(ast)
				if err != nil {
					return nil, fmt.Errorf("capability: condition program for %s/%s: %w", pp.Principal, rule.Scope, err)
				}
				cg.program = prg
			}
			grants[rule.Scope] = cg
		}
		p.principals[pp.Principal] = grants
	}
	return p, nil
}

// Version returns the loaded manifest version.
func (p *Policy) Version() string { return p.version }

// Authorize checks one issuance request against the policy. attrs are
// request attributes exposed to CEL conditions.
func (p *Policy) Authorize(principal string, scopes []string, ttl time.Duration, attrs map[string]interface{}) error {
	grants, ok := p.principals[principal]
	if !ok {
		return &DeniedError{Code: DenyUnknownPrincipal, Reason: fmt.Sprintf("principal %q has no policy", principal)}
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	for _, scope := range scopes {
		grant, ok := grants[scope]
		if !ok {
			return &DeniedError{Code: DenyScopeNotAllowed, Reason: fmt.Sprintf("scope %q not allowed for %q", scope, principal)}
		}
		if ttl > grant.rule.MaxTTL {
			return &DeniedError{
				Code:   DenyTTLExceeded,
				Reason: fmt.Sprintf("ttl %s exceeds ceiling %s for scope %q", ttl, grant.rule.MaxTTL, scope),
			}
		}
		if grant.program != nil {
			out, _, err := grant.program.Eval(map[string]interface{}{
				"principal":   principal,
				"scope":       scope,
				"ttl_seconds": int64(ttl / time.Second),
				"attrs":       attrs,
			})
			if err != nil {
				return &DeniedError{Code: DenyCondition, Reason: fmt.Sprintf("condition for scope %q errored: %v", scope, err)}
			}
			allowed, ok := out.Value().(bool)
			if !ok || !allowed {
				return &DeniedError{Code: DenyCondition, Reason: fmt.Sprintf("condition for scope %q not satisfied", scope)}
			}
		}
	}
	return nil
}
