package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationData() map[string]any {
	return map[string]any{
		"chat": map[string]any{
			"priority": "normal",
			"status":   "open",
			"tags":     []any{"vip", "billing"},
			"attributes": map[string]any{
				"score": 7.0,
			},
		},
		"client": map[string]any{
			"name":     "Ada Lovelace",
			"username": "",
		},
		"context": map[string]any{
			"steps_executed": 3.0,
		},
		"event": map[string]any{
			"text": "I need a REFUND please",
		},
	}
}

func TestPredicate_Evaluate(t *testing.T) {
	tests := []struct {
		name      string
		predicate Predicate
		want      bool
	}{
		{"eq false", Predicate{Field: "chat.priority", Operator: OpEq, Value: "urgent"}, false},
		{"eq true", Predicate{Field: "chat.priority", Operator: OpEq, Value: "normal"}, true},
		{"neq", Predicate{Field: "chat.priority", Operator: OpNeq, Value: "urgent"}, true},
		{"contains string", Predicate{Field: "event.text", Operator: OpContains, Value: "REFUND"}, true},
		{"contains list", Predicate{Field: "chat.tags", Operator: OpContains, Value: "vip"}, true},
		{"not contains list", Predicate{Field: "chat.tags", Operator: OpNotContains, Value: "sales"}, true},
		{"starts with", Predicate{Field: "client.name", Operator: OpStartsWith, Value: "Ada"}, true},
		{"ends with", Predicate{Field: "client.name", Operator: OpEndsWith, Value: "Byron"}, false},
		{"in", Predicate{Field: "chat.priority", Operator: OpIn, Value: []any{"low", "normal"}}, true},
		{"not in", Predicate{Field: "chat.priority", Operator: OpNotIn, Value: []any{"low", "normal"}}, false},
		{"exists", Predicate{Field: "client.name", Operator: OpExists}, true},
		{"empty string does not exist", Predicate{Field: "client.username", Operator: OpExists}, false},
		{"missing path not exists", Predicate{Field: "chat.attributes.plan", Operator: OpNotExists}, true},
		{"gt", Predicate{Field: "chat.attributes.score", Operator: OpGt, Value: 5}, true},
		{"gte string number", Predicate{Field: "context.steps_executed", Operator: OpGte, Value: "3"}, true},
		{"lt", Predicate{Field: "chat.attributes.score", Operator: OpLt, Value: 7}, false},
		{"lte", Predicate{Field: "chat.attributes.score", Operator: OpLte, Value: 7}, true},
		{"numeric compare on missing field", Predicate{Field: "chat.attributes.plan", Operator: OpGt, Value: 1}, false},
		{"templated value", Predicate{Field: "client.name", Operator: OpEq, Value: "{{.client.name}}"}, true},
		{
			"all group",
			Predicate{Match: "all", Conditions: []Predicate{
				{Field: "chat.status", Operator: OpEq, Value: "open"},
				{Field: "chat.tags", Operator: OpContains, Value: "vip"},
			}},
			true,
		},
		{
			"any group",
			Predicate{Match: "any", Conditions: []Predicate{
				{Field: "chat.priority", Operator: OpEq, Value: "urgent"},
				{Field: "chat.tags", Operator: OpContains, Value: "billing"},
			}},
			true,
		},
		{
			"nested all fails",
			Predicate{Match: "all", Conditions: []Predicate{
				{Field: "chat.status", Operator: OpEq, Value: "open"},
				{Match: "any", Conditions: []Predicate{
					{Field: "chat.priority", Operator: OpEq, Value: "urgent"},
					{Field: "chat.priority", Operator: OpEq, Value: "high"},
				}},
			}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.predicate.Evaluate(conversationData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicate_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name      string
		predicate Predicate
	}{
		{"unknown operator", Predicate{Field: "chat.priority", Operator: "like", Value: "x"}},
		{"empty field", Predicate{Operator: OpEq, Value: "x"}},
		{"unknown root", Predicate{Field: "operator.name", Operator: OpEq, Value: "x"}},
		{"bad match", Predicate{Match: "most", Conditions: []Predicate{{Field: "chat.status", Operator: OpExists}}}},
		{"in without list", Predicate{Field: "chat.priority", Operator: OpIn, Value: "normal"}},
		{"gt without number", Predicate{Field: "chat.priority", Operator: OpGt, Value: "high"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.predicate.Evaluate(conversationData())
			require.ErrorIs(t, err, ErrInvalidPredicate)
		})
	}
}

func TestParseCondition(t *testing.T) {
	condition, err := ParseCondition(map[string]any{
		"match": "any",
		"conditions": []any{
			map[string]any{"field": "event.text", "operator": "contains", "value": "refund"},
			map[string]any{"field": "event.text", "operator": "contains", "value": "REFUND"},
		},
	})
	require.NoError(t, err)

	matched, err := condition.Evaluate(conversationData())
	require.NoError(t, err)
	assert.True(t, matched)

	expression, err := ParseCondition(map[string]any{"expression": `{{ gt .context.steps_executed 10.0 }}`})
	require.NoError(t, err)

	matched, err = expression.Evaluate(conversationData())
	require.NoError(t, err)
	assert.False(t, matched)

	_, err = ParseCondition(map[string]any{"field": "chat.priority"})
	require.ErrorIs(t, err, ErrInvalidPredicate)
}
