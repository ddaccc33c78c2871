package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mbflow/orchestrator/internal/application/template"
	"github.com/mbflow/orchestrator/pkg/models"
)

// conditionEvalTimeout bounds how long a single router condition may run.
// expr-lang has no native per-call deadline, so a misbehaving expression
// (an unbounded loop inside a comprehension, say) is cut off by racing its
// evaluation against this timer on its own goroutine.
const conditionEvalTimeout = 5 * time.Millisecond

// RouterEvaluator resolves a router node's routeBy expression and decides
// which of its declared conditions fire. It reuses ConditionCache verbatim
// for compiling and caching the condition expressions themselves.
type RouterEvaluator struct {
	cache *ConditionCache
}

// NewRouterEvaluator builds a RouterEvaluator backed by the given
// condition cache.
func NewRouterEvaluator(cache *ConditionCache) *RouterEvaluator {
	if cache == nil {
		cache = NewConditionCache(256)
	}
	return &RouterEvaluator{cache: cache}
}

// routerCondition mirrors one entry of a router node's "conditions" config
// array.
type routerCondition struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

// Evaluate resolves the node's routeBy reference to a value, evaluates
// each declared condition against it in declaration order, and returns
// the router's output: {"fired": [...ids], "value": coercedValue}. A
// condition whose evaluation errors or times out is treated as false
// rather than aborting the whole router.
func (r *RouterEvaluator) Evaluate(node *models.Node, ctx *template.VariableContext) (map[string]interface{}, error) {
	routeBy, _ := node.Config["route_by"].(string)
	mode, _ := node.Config["mode"].(string)
	if mode == "" {
		mode = "first_match"
	}
	defaultOutput, _ := node.Config["default_output"].(string)

	conditions, err := parseRouterConditions(node.Config["conditions"])
	if err != nil {
		return nil, err
	}

	engine := template.NewEngineWithDefaults(ctx)
	resolvedRaw, err := engine.ResolveString(routeBy)
	if err != nil {
		return nil, fmt.Errorf("router: resolving route_by: %w", err)
	}
	value := coerceRouteValue(resolvedRaw)

	env := map[string]interface{}{"value": value}

	var fired []string
	for _, cond := range conditions {
		ok := r.evaluateWithTimeout(cond.Expression, env)
		if !ok {
			continue
		}
		fired = append(fired, cond.ID)
		if mode == "first_match" {
			break
		}
	}

	if len(fired) == 0 && defaultOutput != "" {
		fired = []string{defaultOutput}
	}

	firedIfaces := make([]interface{}, len(fired))
	for i, f := range fired {
		firedIfaces[i] = f
	}

	return map[string]interface{}{
		"fired": firedIfaces,
		"value": value,
	}, nil
}

// EvaluateCondition evaluates a single boolean expression against env,
// sandboxed the same way a router's declared conditions are. It is the
// entry point plain edge conditions use — anything that isn't a router's
// multi-branch routeBy/conditions config, just one expression guarding one
// edge.
func (r *RouterEvaluator) EvaluateCondition(condition string, env map[string]interface{}) bool {
	return r.evaluateWithTimeout(condition, env)
}

// evaluateWithTimeout compiles (or fetches from cache) and runs condition
// on its own goroutine, racing it against conditionEvalTimeout. Any
// failure to compile, run, or finish in time resolves to false.
func (r *RouterEvaluator) evaluateWithTimeout(condition string, env map[string]interface{}) bool {
	resultCh := make(chan bool, 1)

	go func() {
		program, err := r.cache.CompileAndCache(condition, env)
		if err != nil {
			resultCh <- false
			return
		}
		out, err := runProgram(program, env)
		if err != nil {
			resultCh <- false
			return
		}
		resultCh <- out
	}()

	select {
	case result := <-resultCh:
		return result
	case <-time.After(conditionEvalTimeout):
		return false
	}
}

func runProgram(program *vm.Program, env map[string]interface{}) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("router: condition did not evaluate to a boolean")
	}
	return b, nil
}

func parseRouterConditions(raw interface{}) ([]routerCondition, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var conditions []routerCondition
	if err := json.Unmarshal(data, &conditions); err != nil {
		return nil, fmt.Errorf("router: invalid conditions config: %w", err)
	}
	return conditions, nil
}

// coerceRouteValue coerces a resolved routeBy string into the most
// specific type it plausibly represents: a number, a boolean, parsed
// JSON, or else the raw string.
func coerceRouteValue(s string) interface{} {
	if s == "" {
		return s
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	var generic interface{}
	if err := json.Unmarshal([]byte(s), &generic); err == nil {
		return generic
	}
	return s
}
