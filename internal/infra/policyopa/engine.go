package policyopa

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"beacon/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const defaultQuery = "data.beacon.alert.result"

//go:embed policy/alert.rego
var defaultPolicy string

// Engine evaluates the alert policy for decoded finds.
type Engine struct {
	query      rego.PreparedEvalQuery
	policyHash string
	source     string
}

// NewDefaultEngine compiles the built-in alert policy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	compiler := newCompiler()
	r := rego.New(
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module("alert.rego", defaultPolicy),
	)
	return prepare(ctx, r, compiler, sha256Hex([]byte(defaultPolicy)), "builtin")
}

// NewEngineFromBundlePath compiles every .rego file under bundlePath. The
// bundle must define data.beacon.alert.result.
func NewEngineFromBundlePath(ctx context.Context, bundlePath string) (*Engine, error) {
	policyHash, err := ComputePolicyHashFromPath(bundlePath)
	if err != nil {
		return nil, err
	}
	compiler := newCompiler()
	r := rego.New(
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Load([]string{bundlePath}, nil),
	)
	return prepare(ctx, r, compiler, policyHash, bundlePath)
}

func newCompiler() *ast.Compiler {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	return ast.NewCompiler().WithCapabilities(capabilities)
}

func prepare(ctx context.Context, r *rego.Rego, compiler *ast.Compiler, policyHash, source string) (*Engine, error) {
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare alert policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{
		query:      prepared,
		policyHash: policyHash,
		source:     source,
	}, nil
}

func (e *Engine) PolicyHash() string {
	return e.policyHash
}

func (e *Engine) Source() string {
	return e.source
}

func (e *Engine) Evaluate(ctx context.Context, find domain.Find) (domain.AlertDecision, error) {
	if e == nil {
		return domain.AlertDecision{}, errors.New("policy engine is nil")
	}
	input, err := toInput(find)
	if err != nil {
		return domain.AlertDecision{}, err
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.AlertDecision{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.AlertDecision{}, errors.New("empty policy result")
	}
	decision, err := decodeDecision(results[0].Expressions[0].Value)
	if err != nil {
		return domain.AlertDecision{}, err
	}
	normalizeDecision(&decision)
	return decision, nil
}

// toInput converts the find through its JSON form so the policy sees the
// same field names as the wire payload.
func toInput(find domain.Find) (map[string]any, error) {
	payload, err := json.Marshal(find)
	if err != nil {
		return nil, err
	}
	var input map[string]any
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, err
	}
	if len(find.Context) > 0 {
		input["game_context"] = find.Context
	}
	return input, nil
}

func decodeDecision(value any) (domain.AlertDecision, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.AlertDecision{}, err
	}
	var decision domain.AlertDecision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return domain.AlertDecision{}, fmt.Errorf("decode policy result: %w", err)
	}
	return decision, nil
}

func normalizeDecision(decision *domain.AlertDecision) {
	if decision == nil {
		return
	}
	sort.Slice(decision.Deny, func(i, j int) bool {
		if decision.Deny[i].Code == decision.Deny[j].Code {
			return decision.Deny[i].Message < decision.Deny[j].Message
		}
		return decision.Deny[i].Code < decision.Deny[j].Code
	})
	if len(decision.Deny) > 0 {
		decision.Relay = false
	}
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}
