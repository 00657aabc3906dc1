package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

var durationSchema = map[string]any{
	"oneOf": []any{
		map[string]any{"type": "string", "minLength": 1},
		map[string]any{"type": "number", "minimum": 0},
	},
}

var mediaSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"url":       map[string]any{"type": "string"},
		"file_id":   map[string]any{"type": "string"},
		"caption":   map[string]any{"type": "string"},
		"file_name": map[string]any{"type": "string"},
		"mime_type": map[string]any{"type": "string"},
	},
	"anyOf": []any{
		map[string]any{"required": []any{"url"}},
		map[string]any{"required": []any{"file_id"}},
	},
}

var predicateSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"field":      map[string]any{"type": "string"},
		"operator":   map[string]any{"type": "string"},
		"match":      map[string]any{"enum": []any{"all", "any"}},
		"conditions": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
	},
}

// stepSchemas holds the JSON schema each step type's config must satisfy.
var stepSchemas = map[models.StepType]map[string]any{
	models.StepSendText: {
		"type":       "object",
		"required":   []any{"text"},
		"properties": map[string]any{"text": map[string]any{"type": "string", "minLength": 1}},
	},
	models.StepSendTextWithButtons: {
		"type":     "object",
		"required": []any{"text", "buttons"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "minLength": 1},
			"buttons": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"text"},
					"properties": map[string]any{
						"text": map[string]any{"type": "string", "minLength": 1},
						"data": map[string]any{"type": "string"},
						"url":  map[string]any{"type": "string"},
					},
				},
			},
		},
	},
	models.StepSendImage: mediaSchema,
	models.StepSendVideo: mediaSchema,
	models.StepSendFile:  mediaSchema,
	models.StepDelay: {
		"type":       "object",
		"required":   []any{"duration"},
		"properties": map[string]any{"duration": durationSchema},
	},
	models.StepCondition: {
		"anyOf": []any{
			map[string]any{
				"type":       "object",
				"required":   []any{"expression"},
				"properties": map[string]any{"expression": map[string]any{"type": "string", "minLength": 1}},
			},
			map[string]any{"allOf": []any{predicateSchema, map[string]any{"required": []any{"field", "operator"}}}},
			map[string]any{"allOf": []any{predicateSchema, map[string]any{"required": []any{"match", "conditions"}}}},
		},
	},
	models.StepAssignOperator: {
		"type":       "object",
		"required":   []any{"operator_id"},
		"properties": map[string]any{"operator_id": map[string]any{"type": "string", "minLength": 1}},
	},
	models.StepAddTag: {
		"type":       "object",
		"required":   []any{"tag"},
		"properties": map[string]any{"tag": map[string]any{"type": "string", "minLength": 1}},
	},
	models.StepRemoveTag: {
		"type":       "object",
		"required":   []any{"tag"},
		"properties": map[string]any{"tag": map[string]any{"type": "string", "minLength": 1}},
	},
	models.StepCloseChat: {
		"type": "object",
	},
}

var compiledSchemas = sync.OnceValues(func() (map[models.StepType]*gojsonschema.Schema, error) {
	compiled := make(map[models.StepType]*gojsonschema.Schema, len(stepSchemas))

	for stepType, schema := range stepSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return nil, fmt.Errorf("step schema %s: %w", stepType, err)
		}

		compiled[stepType] = s
	}

	return compiled, nil
})

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStepConfig checks a step's config against the schema of its type.
func ValidateStepConfig(step *models.AutomationStep) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}

	schema, ok := schemas[step.Type]
	if !ok {
		return fmt.Errorf("%w: unknown step type %q", ErrInvalidStepConfig, step.Type)
	}

	config := step.Config
	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStepConfig, err)
	}

	if !result.Valid() {
		var problems []string
		for _, resultErr := range result.Errors() {
			problems = append(problems, resultErr.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidStepConfig, strings.Join(problems, "; "))
	}

	if step.Type == models.StepDelay {
		if _, err := models.ParseDuration(config["duration"]); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStepConfig, err)
		}
	}

	if step.Type == models.StepCondition {
		if _, err := ParseCondition(config); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAutomation checks an automation definition as a whole: struct constraints,
// trigger config, step configs and that every edge resolves to a step.
func ValidateAutomation(automation *models.Automation) error {
	if err := validate.Struct(automation); err != nil {
		return NewConfigError(automation.ID, "", err)
	}

	var problems []error

	switch automation.TriggerKind {
	case models.TriggerKeyword:
		if !slices.ContainsFunc(automation.TriggerConfig.Keywords, func(k string) bool { return strings.TrimSpace(k) != "" }) {
			problems = append(problems, errors.New("keyword trigger needs at least one keyword"))
		}
	case models.TriggerNoResponse:
		if automation.TriggerConfig.Threshold <= 0 {
			problems = append(problems, errors.New("no_response trigger needs a positive threshold"))
		}
	case models.TriggerScheduled:
		if _, err := models.ParseCron(automation.TriggerConfig.Cron); err != nil {
			problems = append(problems, err)
		}
	}

	if _, ok := automation.EntryStep(); !ok {
		problems = append(problems, fmt.Errorf("%w: %q", ErrNoEntryStep, automation.EntryStepID))
	}

	seen := make(map[string]bool, len(automation.Steps))

	for _, step := range automation.Steps {
		if seen[step.ID] {
			problems = append(problems, fmt.Errorf("duplicate step id %q", step.ID))
		}

		seen[step.ID] = true

		if err := ValidateStepConfig(step); err != nil {
			problems = append(problems, NewConfigError(automation.ID, step.ID, err))
		}

		for _, edge := range step.Edges() {
			if _, ok := automation.Step(edge); !ok {
				problems = append(problems, NewConfigError(automation.ID, step.ID, fmt.Errorf("%w: edge to %q", ErrStepNotFound, edge)))
			}
		}
	}

	if len(problems) > 0 {
		return NewConfigError(automation.ID, "", errors.Join(problems...))
	}

	return nil
}
