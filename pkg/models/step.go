package models

// StepType tags the behaviour of a node in the automation graph.
type StepType string

const (
	StepSendText            StepType = "send_text"
	StepSendTextWithButtons StepType = "send_text_with_buttons"
	StepSendImage           StepType = "send_image"
	StepSendVideo           StepType = "send_video"
	StepSendFile            StepType = "send_file"
	StepDelay               StepType = "delay"
	StepCondition           StepType = "condition"
	StepAssignOperator      StepType = "assign_operator"
	StepAddTag              StepType = "add_tag"
	StepRemoveTag           StepType = "remove_tag"
	StepCloseChat           StepType = "close_chat"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepSendText, StepSendTextWithButtons, StepSendImage, StepSendVideo, StepSendFile,
	StepDelay, StepCondition, StepAssignOperator, StepAddTag, StepRemoveTag, StepCloseChat,
}

// IsSend reports whether the step delivers a message through the channel transport.
func (t StepType) IsSend() bool {
	switch t {
	case StepSendText, StepSendTextWithButtons, StepSendImage, StepSendVideo, StepSendFile:
		return true
	default:
		return false
	}
}

// IsMutation reports whether the step changes the chat or client.
func (t StepType) IsMutation() bool {
	switch t {
	case StepAssignOperator, StepAddTag, StepRemoveTag, StepCloseChat:
		return true
	default:
		return false
	}
}

// AutomationStep is one node of the step graph. Edges reference other steps by ID;
// an empty edge means the workflow ends when it is taken. Position is display-only.
type AutomationStep struct {
	ID                   string         `json:"id"                                validate:"required"`
	Type                 StepType       `json:"type"                              validate:"required"`
	Name                 string         `json:"name,omitempty"`
	Config               map[string]any `json:"config,omitempty"`
	NextStepID           string         `json:"next_step_id,omitempty"`
	ConditionTrueStepID  string         `json:"condition_true_step_id,omitempty"`
	ConditionFalseStepID string         `json:"condition_false_step_id,omitempty"`
	Position             int            `json:"position"`
}

// Edges returns the non-empty outgoing step references.
func (s *AutomationStep) Edges() []string {
	edges := make([]string, 0, 3)
	for _, edge := range []string{s.NextStepID, s.ConditionTrueStepID, s.ConditionFalseStepID} {
		if edge != "" {
			edges = append(edges, edge)
		}
	}

	return edges
}
