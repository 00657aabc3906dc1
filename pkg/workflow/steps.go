package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/template"
	"github.com/dukex/deskflow/pkg/transport"
)

// stepOutcome tells the run loop where to go after a step. An empty next with no
// waitUntil ends the workflow.
type stepOutcome struct {
	next      string
	waitUntil *time.Time
	result    map[string]any
}

func (r *run) executeStep(ctx context.Context, step *models.AutomationStep) (stepOutcome, error) {
	if err := ValidateStepConfig(step); err != nil {
		return stepOutcome{}, NewConfigError(r.automation.ID, step.ID, err)
	}

	logger := r.logger.With("step_id", step.ID, "step_type", step.Type)
	logger.DebugContext(ctx, "Executing step")

	switch {
	case step.Type.IsSend():
		return r.executeSend(ctx, step)
	case step.Type.IsMutation():
		return r.executeMutation(ctx, step)
	case step.Type == models.StepDelay:
		return r.executeDelay(step)
	case step.Type == models.StepCondition:
		return r.executeCondition(step)
	default:
		return stepOutcome{}, NewConfigError(r.automation.ID, step.ID, fmt.Errorf("%w: unknown step type %q", ErrInvalidStepConfig, step.Type))
	}
}

func (r *run) templateData() map[string]any {
	return template.Data(r.chat, r.client, r.log)
}

func (r *run) render(step *models.AutomationStep, key string) (string, error) {
	raw, _ := step.Config[key].(string)

	rendered, err := template.RenderString(raw, r.templateData())
	if err != nil {
		return "", NewConfigError(r.automation.ID, step.ID, err)
	}

	return rendered, nil
}

func (r *run) executeDelay(step *models.AutomationStep) (stepOutcome, error) {
	duration, err := models.ParseDuration(step.Config["duration"])
	if err != nil {
		return stepOutcome{}, NewConfigError(r.automation.ID, step.ID, err)
	}

	until := r.executor.now().Add(duration)

	return stepOutcome{
		waitUntil: &until,
		result:    map[string]any{"until": until.Format(time.RFC3339Nano)},
	}, nil
}

func (r *run) executeCondition(step *models.AutomationStep) (stepOutcome, error) {
	condition, err := ParseCondition(step.Config)
	if err != nil {
		return stepOutcome{}, NewConfigError(r.automation.ID, step.ID, err)
	}

	matched, err := condition.Evaluate(r.templateData())
	if err != nil {
		return stepOutcome{}, NewConfigError(r.automation.ID, step.ID, err)
	}

	next := step.ConditionFalseStepID
	if matched {
		next = step.ConditionTrueStepID
	}

	return stepOutcome{next: next, result: map[string]any{"result": matched}}, nil
}

func (r *run) buildMessage(step *models.AutomationStep) (transport.OutboundMessage, error) {
	message := transport.OutboundMessage{ExternalChatID: r.chat.ExternalChatID}

	switch step.Type {
	case models.StepSendText:
		text, err := r.render(step, "text")
		if err != nil {
			return message, err
		}

		message.Text = text
	case models.StepSendTextWithButtons:
		text, err := r.render(step, "text")
		if err != nil {
			return message, err
		}

		message.Text = text

		buttons, _ := step.Config["buttons"].([]any)
		for _, raw := range buttons {
			button, _ := raw.(map[string]any)
			label, _ := button["text"].(string)
			data, _ := button["data"].(string)
			url, _ := button["url"].(string)

			label, err = template.RenderString(label, r.templateData())
			if err != nil {
				return message, NewConfigError(r.automation.ID, step.ID, err)
			}

			message.Buttons = append(message.Buttons, transport.Button{Text: label, Data: data, URL: url})
		}
	default:
		caption, err := r.render(step, "caption")
		if err != nil {
			return message, err
		}

		url, err := r.render(step, "url")
		if err != nil {
			return message, err
		}

		fileID, _ := step.Config["file_id"].(string)
		fileName, _ := step.Config["file_name"].(string)
		mimeType, _ := step.Config["mime_type"].(string)

		message.Text = caption
		message.Attachments = []models.Attachment{{
			Kind:     mediaKind(step.Type),
			URL:      url,
			FileID:   fileID,
			FileName: fileName,
			MimeType: mimeType,
		}}
	}

	return message, nil
}

func mediaKind(stepType models.StepType) models.MediaKind {
	switch stepType {
	case models.StepSendImage:
		return models.MediaKindImage
	case models.StepSendVideo:
		return models.MediaKindVideo
	default:
		return models.MediaKindFile
	}
}

func (r *run) executeSend(ctx context.Context, step *models.AutomationStep) (stepOutcome, error) {
	message, err := r.buildMessage(step)
	if err != nil {
		return stepOutcome{}, err
	}

	channel, err := r.executor.persistence.ChannelRepository().GetByID(ctx, r.log.ChannelID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return stepOutcome{}, err
		}

		return stepOutcome{}, &PersistenceError{Op: "load channel", Err: err}
	}

	channelTransport, err := r.executor.transports.ForChannel(channel)
	if err != nil {
		return stepOutcome{}, err
	}

	delivery, err := r.deliver(ctx, channelTransport, message)
	if err == nil {
		delete(r.log.Context, models.ContextKeySendFailures)

		return stepOutcome{
			next:   step.NextStepID,
			result: map[string]any{"message_id": delivery.MessageID},
		}, nil
	}

	// an interrupted invocation is not a send failure; the log stays on this step
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", ctxErr, err)
	}

	if !transport.IsTemporary(err) {
		return stepOutcome{}, err
	}

	failures := r.log.ContextInt(models.ContextKeySendFailures) + 1
	if failures >= r.executor.options.MaxSendFailures {
		return stepOutcome{}, fmt.Errorf("send failed %d times: %w", failures, err)
	}

	r.log.Context[models.ContextKeySendFailures] = failures
	until := r.executor.now().Add(r.executor.options.SendRetryDelay)

	r.logger.WarnContext(ctx, "Send failed, parking automation for a retry",
		"step_id", step.ID, "failures", failures, "retry_at", until, "error", err)

	return stepOutcome{
		waitUntil: &until,
		result:    map[string]any{"error": err.Error(), "failures": failures},
	}, nil
}

// deliver sends with inline exponential backoff. Permanent transport errors stop retrying.
func (r *run) deliver(ctx context.Context, channelTransport transport.ChannelTransport, message transport.OutboundMessage) (*transport.DeliveryResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.executor.options.SendBackoff
	policy.MaxElapsedTime = 0

	var delivery *transport.DeliveryResult

	attempts := r.executor.options.SendAttempts

	operation := func() error {
		result, err := channelTransport.SendMessage(ctx, message)
		if err != nil {
			if !transport.IsTemporary(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		delivery = result

		return nil
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "Send attempt failed", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx), notify)
	if err != nil {
		return nil, err
	}

	if delivery == nil {
		return nil, errors.New("transport returned no delivery result")
	}

	return delivery, nil
}

func (r *run) executeMutation(ctx context.Context, step *models.AutomationStep) (stepOutcome, error) {
	var (
		value string
		err   error
	)

	switch step.Type {
	case models.StepAssignOperator:
		value, err = r.render(step, "operator_id")
	case models.StepAddTag, models.StepRemoveTag:
		value, err = r.render(step, "tag")
	}

	if err != nil {
		return stepOutcome{}, err
	}

	// other automations may touch the same chat concurrently
	unlock, err := r.executor.locker.Lock(ctx, "chat:"+r.log.ChatID)
	if err != nil {
		return stepOutcome{}, &PersistenceError{Op: "lock chat", Err: err}
	}
	defer unlock()

	chats := r.executor.persistence.ChatRepository()

	chat, err := chats.GetChat(ctx, r.log.ChatID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return stepOutcome{}, err
		}

		return stepOutcome{}, &PersistenceError{Op: "load chat", Err: err}
	}

	var changed bool

	switch step.Type {
	case models.StepAssignOperator:
		changed = chat.OperatorID != value
		chat.OperatorID = value
	case models.StepAddTag:
		changed = chat.AddTag(value)
	case models.StepRemoveTag:
		changed = chat.RemoveTag(value)
	case models.StepCloseChat:
		changed = chat.Status != models.ChatStatusClosed
		chat.Status = models.ChatStatusClosed
	}

	if changed {
		chat.UpdatedAt = r.executor.now()

		if err := chats.SaveChat(ctx, chat); err != nil {
			return stepOutcome{}, &PersistenceError{Op: "save chat", Err: err}
		}
	}

	r.chat = chat

	result := map[string]any{"changed": changed}
	if value != "" {
		result["value"] = value
	}

	return stepOutcome{next: step.NextStepID, result: result}, nil
}
