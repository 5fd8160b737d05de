package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
)

// MessageHandler reacts to one inbound chat message.
type MessageHandler interface {
	Handle(ctx context.Context, msg model.ChatMessage) error
}

// PhotoKeyPrefix namespaces user uploads in the blob store.
const PhotoKeyPrefix = "photos/"

// PhotoHandler downloads the largest size of a photo and submits it for detection.
type PhotoHandler struct {
	files     core.FileDownloader
	submitter *JobSubmitter
	logger    *slog.Logger
}

// NewPhotoHandler constructs a PhotoHandler. Both collaborators are required.
func NewPhotoHandler(files core.FileDownloader, submitter *JobSubmitter, logger *slog.Logger) (*PhotoHandler, error) {
	if files == nil {
		return nil, errors.New("FileDownloader is required")
	}
	if submitter == nil {
		return nil, errors.New("JobSubmitter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PhotoHandler{files: files, submitter: submitter, logger: logger.With("component", "photo_handler")}, nil
}

// Handle implements MessageHandler.
func (h *PhotoHandler) Handle(ctx context.Context, msg model.ChatMessage) error {
	ref, ok := msg.LargestPhoto()
	if !ok {
		return errors.New("message has no photo")
	}
	file, err := h.files.DownloadFile(ctx, ref.FileID)
	if err != nil {
		return fmt.Errorf("download photo: %w", err)
	}
	jobID, err := h.submitter.Submit(ctx, Photo{
		Key:  PhotoKey(ref, file.Path),
		Data: file.Data,
	}, msg.ChatID)
	if err != nil {
		return err
	}
	h.logger.DebugContext(ctx, "photo queued", "job_id", jobID, "message_id", msg.MessageID)
	return nil
}

// PhotoKey derives a stable storage key from the transport's unique file id and
// the extension of its file path, e.g. "photos/AQADx.jpg".
func PhotoKey(ref model.PhotoRef, remotePath string) string {
	id := ref.FileUniqueID
	if id == "" {
		id = ref.FileID
	}
	ext := strings.ToLower(path.Ext(remotePath))
	if ext == "" {
		ext = ".jpg"
	}
	return PhotoKeyPrefix + safeDirName(id) + ext
}

// EchoPrefix starts every reply to a plain text message.
const EchoPrefix = "Your original message: "

// TextHandler echoes text messages back to the sender.
type TextHandler struct {
	gateway core.MessagingGateway
}

// NewTextHandler constructs a TextHandler.
func NewTextHandler(gateway core.MessagingGateway) (*TextHandler, error) {
	if gateway == nil {
		return nil, errors.New("MessagingGateway is required")
	}
	return &TextHandler{gateway: gateway}, nil
}

// Handle implements MessageHandler.
func (h *TextHandler) Handle(ctx context.Context, msg model.ChatMessage) error {
	if err := h.gateway.SendText(ctx, msg.ChatID, EchoPrefix+msg.Text); err != nil {
		return fmt.Errorf("echo text: %w", err)
	}
	return nil
}

// MessageRouter picks a handler per message: photos go to Photo, messages with
// text go to Text, anything else is ignored.
type MessageRouter struct {
	Photo MessageHandler
	Text  MessageHandler
}

// Handle implements MessageHandler.
func (r *MessageRouter) Handle(ctx context.Context, msg model.ChatMessage) error {
	switch {
	case msg.HasPhoto() && r.Photo != nil:
		return r.Photo.Handle(ctx, msg)
	case strings.TrimSpace(msg.Text) != "" && r.Text != nil:
		return r.Text.Handle(ctx, msg)
	default:
		return nil
	}
}
