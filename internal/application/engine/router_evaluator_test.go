package engine

import (
	"testing"

	"github.com/mbflow/orchestrator/internal/application/template"
	"github.com/mbflow/orchestrator/pkg/models"
)

func routerNode(mode, routeBy, defaultOutput string, conditions []map[string]interface{}) *models.Node {
	return &models.Node{
		ID:   "route",
		Type: models.NodeTypeRouter,
		Config: map[string]interface{}{
			"mode":           mode,
			"route_by":       routeBy,
			"default_output": defaultOutput,
			"conditions":     conditions,
		},
	}
}

func TestRouterEvaluator_FirstMatch_FirstTruthyWins(t *testing.T) {
	node := routerNode("first_match", "{{fetchUser.tier}}", "", []map[string]interface{}{
		{"id": "gold", "expression": `value == "gold"`},
		{"id": "any", "expression": `true`},
	})
	ctx := template.NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]interface{}{"tier": "gold"}

	eval := NewRouterEvaluator(NewConditionCache(16))
	out, err := eval.Evaluate(node, ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	fired := out["fired"].([]interface{})
	if len(fired) != 1 || fired[0] != "gold" {
		t.Errorf("fired = %v, want [gold]", fired)
	}
}

func TestRouterEvaluator_Broadcast_FiresAllTruthy(t *testing.T) {
	node := routerNode("broadcast", "{{fetchUser.score}}", "", []map[string]interface{}{
		{"id": "positive", "expression": `value > 0`},
		{"id": "even", "expression": `value == 4`},
	})
	ctx := template.NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]interface{}{"score": 4}

	eval := NewRouterEvaluator(NewConditionCache(16))
	out, err := eval.Evaluate(node, ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	fired := out["fired"].([]interface{})
	if len(fired) != 2 {
		t.Errorf("fired = %v, want 2 entries", fired)
	}
}

func TestRouterEvaluator_NoMatch_NoDefault_FiresNone(t *testing.T) {
	node := routerNode("first_match", "{{fetchUser.tier}}", "", []map[string]interface{}{
		{"id": "gold", "expression": `value == "gold"`},
	})
	ctx := template.NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]interface{}{"tier": "bronze"}

	eval := NewRouterEvaluator(NewConditionCache(16))
	out, err := eval.Evaluate(node, ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	fired := out["fired"].([]interface{})
	if len(fired) != 0 {
		t.Errorf("fired = %v, want none", fired)
	}
}

func TestRouterEvaluator_NoMatch_WithDefault_FiresDefault(t *testing.T) {
	node := routerNode("first_match", "{{fetchUser.tier}}", "fallback", []map[string]interface{}{
		{"id": "gold", "expression": `value == "gold"`},
	})
	ctx := template.NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]interface{}{"tier": "bronze"}

	eval := NewRouterEvaluator(NewConditionCache(16))
	out, err := eval.Evaluate(node, ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	fired := out["fired"].([]interface{})
	if len(fired) != 1 || fired[0] != "fallback" {
		t.Errorf("fired = %v, want [fallback]", fired)
	}
}

func TestRouterEvaluator_MalformedExpression_TreatedAsFalse(t *testing.T) {
	node := routerNode("first_match", "{{fetchUser.tier}}", "", []map[string]interface{}{
		{"id": "broken", "expression": `this is not valid`},
	})
	ctx := template.NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]interface{}{"tier": "gold"}

	eval := NewRouterEvaluator(NewConditionCache(16))
	out, err := eval.Evaluate(node, ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	fired := out["fired"].([]interface{})
	if len(fired) != 0 {
		t.Errorf("expected a malformed expression to be treated as false, got fired = %v", fired)
	}
}
