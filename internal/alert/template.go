package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// MessageTemplate renders alert bodies. Placeholders: {location}, {time},
// {trigger} and {transcript}; literal braces are written as {{ and }}.
type MessageTemplate struct {
	tpl prompt.ChatTemplate
}

type templateValues struct {
	Location   string
	Time       string
	Trigger    string
	Transcript string
}

func NewMessageTemplate(text string) (*MessageTemplate, error) {
	t := &MessageTemplate{
		tpl: prompt.FromMessages(schema.FString, schema.UserMessage(text)),
	}
	sample := templateValues{Location: "-", Time: "-", Trigger: "-", Transcript: "-"}
	if _, err := t.Render(context.Background(), sample); err != nil {
		return nil, fmt.Errorf("invalid alert template: %w", err)
	}
	return t, nil
}

func (t *MessageTemplate) Render(ctx context.Context, v templateValues) (string, error) {
	msgs, err := t.tpl.Format(ctx, map[string]any{
		"location":   v.Location,
		"time":       v.Time,
		"trigger":    v.Trigger,
		"transcript": v.Transcript,
	})
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", errors.New("template produced no message")
	}
	return msgs[0].Content, nil
}
