// Package botapi is the Bot API side of the relay: DM delivery and user
// notices. Channel-mode delivery never goes through here.
package botapi

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
)

// MediaItem is one downloaded media payload ready for upload.
type MediaItem struct {
	Kind     mtclient.Kind
	Data     []byte
	FileName string
	Caption  string // HTML
}

// Sender wraps the Bot API client.
type Sender struct {
	bot *bot.Bot
	log *logger.Logger
}

func New(token string, log *logger.Logger) (*Sender, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Sender{bot: b, log: log.WithComponent("botapi")}, nil
}

// Bot exposes the underlying client for update handling in main.
func (s *Sender) Bot() *bot.Bot {
	return s.bot
}

// SendText sends an HTML-formatted message with link previews off.
func (s *Sender) SendText(ctx context.Context, chatID int64, htmlText string) (int64, error) {
	msg, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      htmlText,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: bot.True(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return int64(msg.ID), nil
}

// Notify delivers a best-effort plain notice; failures are only logged.
func (s *Sender) Notify(ctx context.Context, chatID int64, text string) {
	if _, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		s.log.Warn("notify failed", "chat_id", chatID, "error", err)
	}
}

// SendMedia uploads one media payload, picking the endpoint by kind.
func (s *Sender) SendMedia(ctx context.Context, chatID int64, item MediaItem) (int64, error) {
	upload := &models.InputFileUpload{
		Filename: item.FileName,
		Data:     bytes.NewReader(item.Data),
	}

	var (
		msg *models.Message
		err error
	)
	switch item.Kind {
	case mtclient.KindPhoto:
		msg, err = s.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID, Photo: upload,
			Caption: item.Caption, ParseMode: models.ParseModeHTML,
		})
	case mtclient.KindVideo:
		msg, err = s.bot.SendVideo(ctx, &bot.SendVideoParams{
			ChatID: chatID, Video: upload,
			Caption: item.Caption, ParseMode: models.ParseModeHTML,
		})
	case mtclient.KindAnimation:
		msg, err = s.bot.SendAnimation(ctx, &bot.SendAnimationParams{
			ChatID: chatID, Animation: upload,
			Caption: item.Caption, ParseMode: models.ParseModeHTML,
		})
	case mtclient.KindAudio:
		msg, err = s.bot.SendAudio(ctx, &bot.SendAudioParams{
			ChatID: chatID, Audio: upload,
			Caption: item.Caption, ParseMode: models.ParseModeHTML,
		})
	case mtclient.KindVoice:
		msg, err = s.bot.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: chatID, Voice: upload,
			Caption: item.Caption, ParseMode: models.ParseModeHTML,
		})
	case mtclient.KindVideoNote:
		msg, err = s.bot.SendVideoNote(ctx, &bot.SendVideoNoteParams{
			ChatID: chatID, VideoNote: upload,
		})
	case mtclient.KindSticker:
		msg, err = s.bot.SendSticker(ctx, &bot.SendStickerParams{
			ChatID: chatID, Sticker: upload,
		})
	default:
		msg, err = s.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: chatID, Document: upload,
			Caption: item.Caption, ParseMode: models.ParseModeHTML,
		})
	}
	if err != nil {
		return 0, fmt.Errorf("send %s to %d: %w", item.FileName, chatID, err)
	}
	return int64(msg.ID), nil
}

// SendMediaGroup uploads an album in one call. Kinds the group endpoint does
// not accept are sent as documents.
func (s *Sender) SendMediaGroup(ctx context.Context, chatID int64, items []MediaItem) ([]int64, error) {
	media := make([]models.InputMedia, 0, len(items))
	for _, item := range items {
		attach := "attach://" + item.FileName
		reader := bytes.NewReader(item.Data)
		switch item.Kind {
		case mtclient.KindPhoto:
			media = append(media, &models.InputMediaPhoto{
				Media: attach, MediaAttachment: reader,
				Caption: item.Caption, ParseMode: models.ParseModeHTML,
			})
		case mtclient.KindVideo, mtclient.KindAnimation, mtclient.KindVideoNote:
			media = append(media, &models.InputMediaVideo{
				Media: attach, MediaAttachment: reader,
				Caption: item.Caption, ParseMode: models.ParseModeHTML,
			})
		case mtclient.KindAudio, mtclient.KindVoice:
			media = append(media, &models.InputMediaAudio{
				Media: attach, MediaAttachment: reader,
				Caption: item.Caption, ParseMode: models.ParseModeHTML,
			})
		default:
			media = append(media, &models.InputMediaDocument{
				Media: attach, MediaAttachment: reader,
				Caption: item.Caption, ParseMode: models.ParseModeHTML,
			})
		}
	}

	msgs, err := s.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
		ChatID: chatID,
		Media:  media,
	})
	if err != nil {
		return nil, fmt.Errorf("send media group to %d: %w", chatID, err)
	}
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, int64(m.ID))
	}
	return ids, nil
}

// SendPoll recreates a poll. Quiz polls keep their correct answer and
// explanation.
func (s *Sender) SendPoll(ctx context.Context, chatID int64, poll *mtclient.Poll) (int64, error) {
	options := make([]models.InputPollOption, 0, len(poll.Options))
	for _, opt := range poll.Options {
		options = append(options, models.InputPollOption{Text: opt})
	}

	params := &bot.SendPollParams{
		ChatID:                chatID,
		Question:              poll.Question,
		Options:               options,
		AllowsMultipleAnswers: poll.MultipleChoice,
	}
	if poll.Anonymous {
		params.IsAnonymous = bot.True()
	} else {
		params.IsAnonymous = bot.False()
	}
	if poll.Quiz {
		params.Type = "quiz"
		if poll.CorrectOption >= 0 {
			params.CorrectOptionID = poll.CorrectOption
		}
		if poll.Explanation != "" {
			params.Explanation = poll.Explanation
		}
	}

	msg, err := s.bot.SendPoll(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send poll to %d: %w", chatID, err)
	}
	return int64(msg.ID), nil
}
