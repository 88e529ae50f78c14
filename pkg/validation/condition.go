// Package validation turns a consensus decision plus a promotion's trigger
// condition into a write-once ValidationRecord with a full evidence chain.
package validation

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/promoguard/core/pkg/contracts"
)

// conditionSchema constrains a trigger condition document to exactly one of
// the three forms: leaf predicate, AND/OR group, or CEL expression.
const conditionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "oneOf": [
    {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "operator": {"enum": ["eq", "neq", "gt", "gte", "lt", "lte", "in"]},
        "value": {}
      },
      "not": {
        "anyOf": [
          {"required": ["combinator"]},
          {"required": ["conditions"]},
          {"required": ["expression"]}
        ]
      }
    },
    {
      "type": "object",
      "required": ["combinator", "conditions"],
      "properties": {
        "combinator": {"enum": ["and", "or"]},
        "conditions": {"type": "array", "minItems": 1, "items": {"$ref": "#"}}
      },
      "not": {
        "anyOf": [
          {"required": ["field"]},
          {"required": ["expression"]}
        ]
      }
    },
    {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "expression": {"type": "string", "minLength": 1}
      },
      "not": {
        "anyOf": [
          {"required": ["field"]},
          {"required": ["combinator"]},
          {"required": ["conditions"]}
        ]
      }
    }
  ]
}`

// Evaluator checks trigger conditions against consensus game data. CEL
// programs are compiled once per distinct expression and cached.
type Evaluator struct {
	schema *jsonschema.Schema
	env    *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEvaluator builds the evaluator, compiling the condition schema and the
// CEL environment up front so bad configuration fails at startup.
func NewEvaluator() (*Evaluator, error) {
	schema, err := jsonschema.CompileString("trigger_condition.json", conditionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile condition schema: %w", err)
	}
	env, err := cel.NewEnv(
		cel.Variable("home_score", cel.IntType),
		cel.Variable("away_score", cel.IntType),
		cel.Variable("is_final", cel.BoolType),
		cel.Variable("home_team", cel.StringType),
		cel.Variable("away_team", cel.StringType),
		cel.Variable("period", cel.StringType),
		cel.Variable("is_home", cel.BoolType),
		cel.Variable("team_score", cel.IntType),
		cel.Variable("opponent_score", cel.IntType),
		cel.Variable("score_diff", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("build cel environment: %w", err)
	}
	return &Evaluator{
		schema:   schema,
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate checks the condition document against the schema.
func (e *Evaluator) Validate(cond contracts.TriggerCondition) error {
	raw, err := json.Marshal(cond)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid trigger condition: %w", err)
	}
	return nil
}

// Fields derives the evaluation namespace from the winning observation,
// relative to the promotion's team. team-relative fields (team_score,
// opponent_score, is_home, score_diff) are only present when teamID matches
// one of the game's teams.
func Fields(obs contracts.SourceObservation, teamID string) map[string]any {
	fields := map[string]any{
		"home_score": int64(obs.HomeScore),
		"away_score": int64(obs.AwayScore),
		"is_final":   obs.IsFinal,
		"home_team":  obs.HomeTeam,
		"away_team":  obs.AwayTeam,
		"period":     obs.Period,
	}
	switch teamID {
	case "":
	case obs.HomeTeam:
		fields["is_home"] = true
		fields["team_score"] = int64(obs.HomeScore)
		fields["opponent_score"] = int64(obs.AwayScore)
		fields["score_diff"] = int64(obs.HomeScore - obs.AwayScore)
	case obs.AwayTeam:
		fields["is_home"] = false
		fields["team_score"] = int64(obs.AwayScore)
		fields["opponent_score"] = int64(obs.HomeScore)
		fields["score_diff"] = int64(obs.AwayScore - obs.HomeScore)
	}
	return fields
}

// Evaluate reports whether the condition holds over the field namespace.
func (e *Evaluator) Evaluate(cond contracts.TriggerCondition, fields map[string]any) (bool, error) {
	switch {
	case cond.Expression != "":
		return e.evalExpression(cond.Expression, fields)
	case len(cond.Conditions) > 0:
		return e.evalGroup(cond, fields)
	case cond.IsLeaf():
		return evalLeaf(cond, fields)
	default:
		return false, fmt.Errorf("empty trigger condition")
	}
}

func (e *Evaluator) evalGroup(cond contracts.TriggerCondition, fields map[string]any) (bool, error) {
	switch cond.Combinator {
	case contracts.CombineAll:
		for _, sub := range cond.Conditions {
			ok, err := e.Evaluate(sub, fields)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case contracts.CombineAny:
		for _, sub := range cond.Conditions {
			ok, err := e.Evaluate(sub, fields)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown combinator %q", cond.Combinator)
	}
}

func (e *Evaluator) evalExpression(expr string, fields map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	// CEL activations require every declared variable to be present.
	activation := map[string]any{
		"is_home": false, "team_score": int64(0),
		"opponent_score": int64(0), "score_diff": int64(0),
	}
	for k, v := range fields {
		activation[k] = v
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", expr)
	}
	return b, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	prg, ok := e.programs[expr]
	e.mu.Unlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func evalLeaf(cond contracts.TriggerCondition, fields map[string]any) (bool, error) {
	actual, ok := fields[cond.Field]
	if !ok {
		return false, fmt.Errorf("unknown condition field %q", cond.Field)
	}

	switch cond.Operator {
	case contracts.OpEq, contracts.OpNeq:
		eq, err := valuesEqual(actual, cond.Value)
		if err != nil {
			return false, err
		}
		if cond.Operator == contracts.OpNeq {
			return !eq, nil
		}
		return eq, nil
	case contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte:
		a, err := asNumber(actual)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", cond.Field, err)
		}
		b, err := asNumber(cond.Value)
		if err != nil {
			return false, fmt.Errorf("field %q comparison value: %w", cond.Field, err)
		}
		switch cond.Operator {
		case contracts.OpGt:
			return a > b, nil
		case contracts.OpGte:
			return a >= b, nil
		case contracts.OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case contracts.OpIn:
		list, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("field %q: 'in' requires a list value", cond.Field)
		}
		for _, candidate := range list {
			eq, err := valuesEqual(actual, candidate)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// valuesEqual compares with numeric coercion so a JSON-decoded float64
// matches a field stored as int64.
func valuesEqual(a, b any) (bool, error) {
	na, erra := asNumber(a)
	nb, errb := asNumber(b)
	if erra == nil && errb == nil {
		return na == nb, nil
	}
	return a == b, nil
}

func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
