// Package model defines the data types shared by the submission, processing and
// delivery paths of the detection pipeline.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// ErrNoJobsAvailable is returned when no message could be leased within the wait budget.
var ErrNoJobsAvailable = errors.New("no jobs available")

// LeaseToken is the opaque per-receive handle used to acknowledge a leased message.
// A redelivery of the same message carries a different token.
type LeaseToken string

// Job is a request to detect objects in one stored image on behalf of one chat.
type Job struct {
	ID       string `json:"id"`
	ImageKey string `json:"image_key"`
	ChatID   int64  `json:"chat_id"`
}

// JobMessage is the queue wire body: {"imgName": <key>, "chat_id": <int>}.
type JobMessage struct {
	ImageKey string `json:"imgName"`
	ChatID   int64  `json:"chat_id"`
}

// Validate reports a MalformedJob error when a required field is missing.
func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.ImageKey) == "" {
		return apperrors.MalformedJob("imgName", "imgName is required")
	}
	if m.ChatID == 0 {
		return apperrors.MalformedJob("chat_id", "chat_id is required")
	}
	return nil
}

// Encode validates and serializes the message body.
func (m JobMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeJobMessage parses a queue body. Any defect yields a MalformedJob error.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	var raw struct {
		ImageKey *string `json:"imgName"`
		ChatID   *int64  `json:"chat_id"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return JobMessage{}, apperrors.Wrap(err, apperrors.ErrCodeMalformedJob, "job body is not valid JSON")
	}

	var msg JobMessage
	if raw.ImageKey != nil {
		msg.ImageKey = *raw.ImageKey
	}
	if raw.ChatID != nil {
		msg.ChatID = *raw.ChatID
	}
	if err := msg.Validate(); err != nil {
		return JobMessage{}, err
	}
	return msg, nil
}

// Delivery is one leased receipt of a queue message.
type Delivery struct {
	MessageID    string
	Body         []byte
	Lease        LeaseToken
	ReceiveCount int
	ReceivedAt   time.Time
}

// Job decodes the delivery body into a Job keyed by the transport message id.
func (d *Delivery) Job() (Job, error) {
	if d == nil {
		return Job{}, apperrors.MalformedJob("", "delivery is nil")
	}
	msg, err := DecodeJobMessage(d.Body)
	if err != nil {
		return Job{}, err
	}
	return Job{ID: d.MessageID, ImageKey: msg.ImageKey, ChatID: msg.ChatID}, nil
}

// JobState names the points a job passes through while being processed.
type JobState string

const (
	JobStateReceived     JobState = "received"
	JobStateImageFetched JobState = "image_fetched"
	JobStateDetected     JobState = "detected"
	JobStatePersisted    JobState = "persisted"
	JobStateAcknowledged JobState = "acknowledged"
	JobStateAbandoned    JobState = "abandoned"
	JobStateDeadLettered JobState = "dead_lettered"
)

// Terminal reports whether no further transition can happen for this delivery.
func (s JobState) Terminal() bool {
	return s == JobStateAcknowledged || s == JobStateAbandoned || s == JobStateDeadLettered
}
