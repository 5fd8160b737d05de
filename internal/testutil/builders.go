// Package testutil provides database, cache and fixture helpers for tests of the detection pipeline.
package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
)

// TestTime returns a fixed time for testing.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// JobResultBuilder provides a fluent interface for building JobResult fixtures.
type JobResultBuilder struct {
	res *model.JobResult
}

// NewJobResult creates a builder for a result of jobID with sensible defaults.
func NewJobResult(jobID string) *JobResultBuilder {
	return &JobResultBuilder{
		res: &model.JobResult{
			JobID:             jobID,
			ChatID:            1001,
			SourceImageKey:    "photos/" + jobID + ".jpg",
			AnnotatedImageKey: "photos/" + jobID + model.AnnotatedSuffix + ".jpg",
			Detections:        []model.Detection{},
			CompletedAt:       TestTime(),
		},
	}
}

// WithChatID sets the chat id.
func (b *JobResultBuilder) WithChatID(chatID int64) *JobResultBuilder {
	b.res.ChatID = chatID
	return b
}

// WithSourceKey sets the source image key and derives the annotated key from it.
func (b *JobResultBuilder) WithSourceKey(key string) *JobResultBuilder {
	b.res.SourceImageKey = key
	b.res.AnnotatedImageKey = model.AnnotatedKey(key)
	return b
}

// WithClasses appends one centred detection per class name.
func (b *JobResultBuilder) WithClasses(classes ...string) *JobResultBuilder {
	half := decimal.RequireFromString("0.5")
	for _, c := range classes {
		b.res.Detections = append(b.res.Detections, model.Detection{
			Class:  c,
			CX:     half,
			CY:     half,
			Width:  decimal.RequireFromString("0.1"),
			Height: decimal.RequireFromString("0.1"),
		})
	}
	return b
}

// WithCompletedAt sets the completion time.
func (b *JobResultBuilder) WithCompletedAt(t time.Time) *JobResultBuilder {
	b.res.CompletedAt = t
	return b
}

// Build returns the constructed JobResult.
func (b *JobResultBuilder) Build() *model.JobResult {
	return b.res
}

// JobMessageBody returns the encoded queue body for key and chatID, panicking on invalid input.
func JobMessageBody(key string, chatID int64) []byte {
	body, err := model.JobMessage{ImageKey: key, ChatID: chatID}.Encode()
	if err != nil {
		panic(err)
	}
	return body
}
