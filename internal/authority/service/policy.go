package service

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// PolicyRule is a named CEL expression that must evaluate to true for a
// request to be issued. The expression sees a single variable, request, with
// the keys id, common_name, dns_names, organizational_units,
// validity_seconds and metadata.
//
// Example:
//
//	request.validity_seconds <= 2592000 && request.common_name.endsWith(".svc.cluster.local")
type PolicyRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiledRule struct {
	rule    PolicyRule
	program cel.Program
}

// Policy evaluates issuance rules in order. A nil *Policy allows everything.
type Policy struct {
	rules  []compiledRule
	logger observability.Logger
}

// PolicyOption is a functional option for a Policy.
type PolicyOption func(*Policy)

// WithPolicyLogger sets the logger.
func WithPolicyLogger(logger observability.Logger) PolicyOption {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy compiles rules. It fails if any expression does not compile or
// does not produce a bool.
func NewPolicy(rules []PolicyRule, opts ...PolicyOption) (*Policy, error) {
	p := &Policy{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(p)
	}

	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	for _, rule := range rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("policy rule with expression %q has no name", rule.Expression)
		}

		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile policy rule %s: %w", rule.Name, issues.Err())
		}
		if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
			return nil, fmt.Errorf("policy rule %s must return bool, got %s", rule.Name, out)
		}

		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for policy rule %s: %w", rule.Name, err)
		}
		p.rules = append(p.rules, compiledRule{rule: rule, program: program})
	}

	return p, nil
}

// Len returns the number of compiled rules.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Evaluate runs every rule against req and returns a *PolicyDeniedError for
// the first rule that does not evaluate to true.
func (p *Policy) Evaluate(ctx context.Context, req *IssueRequest) error {
	if p == nil || len(p.rules) == 0 {
		return nil
	}

	activation := map[string]interface{}{
		"request": policyInput(req),
	}

	for _, cr := range p.rules {
		out, _, err := cr.program.ContextEval(ctx, activation)
		if err != nil {
			p.logger.Warn("policy rule evaluation failed",
				observability.String("rule", cr.rule.Name),
				observability.String("certificate_id", req.ID),
				observability.Error(err),
			)
			return &PolicyDeniedError{Rule: cr.rule.Name, Message: fmt.Sprintf("evaluation error: %v", err)}
		}

		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			p.logger.Info("issuance denied by policy",
				observability.String("rule", cr.rule.Name),
				observability.String("certificate_id", req.ID),
			)
			return &PolicyDeniedError{Rule: cr.rule.Name, Message: cr.rule.Message}
		}
	}

	return nil
}

func policyInput(req *IssueRequest) map[string]interface{} {
	metadata := make(map[string]interface{}, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	return map[string]interface{}{
		"id":                   req.ID,
		"common_name":          req.CommonName,
		"dns_names":            append([]string{}, req.DNSNames...),
		"organizational_units": append([]string{}, req.OrganizationalUnits...),
		"validity_seconds":     int64(req.Validity.Seconds()),
		"metadata":             metadata,
	}
}
