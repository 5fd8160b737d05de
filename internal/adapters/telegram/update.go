package telegram

import (
	"encoding/json"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// toChatMessage converts a Bot API message to the transport-neutral form.
func toChatMessage(m *tgbotapi.Message) model.ChatMessage {
	out := model.ChatMessage{
		MessageID: int64(m.MessageID),
		ChatID:    m.Chat.ID,
		Text:      m.Text,
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	for _, p := range m.Photo {
		out.Photos = append(out.Photos, model.PhotoRef{
			FileID:       p.FileID,
			FileUniqueID: p.FileUniqueID,
			Width:        p.Width,
			Height:       p.Height,
			FileSize:     int64(p.FileSize),
		})
	}
	return out
}

// ParseUpdate decodes a webhook body. ok is false for updates that carry no message.
func ParseUpdate(body []byte) (msg model.ChatMessage, ok bool, err error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return model.ChatMessage{}, false, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid update body")
	}
	if u.Message == nil {
		return model.ChatMessage{}, false, nil
	}
	if u.Message.Chat == nil || u.Message.Chat.ID == 0 {
		return model.ChatMessage{}, false, apperrors.ValidationField("chat.id", "message has no chat id")
	}
	return toChatMessage(u.Message), true, nil
}
