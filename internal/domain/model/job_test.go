package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

func TestDecodeJobMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		want      JobMessage
		wantField string
		wantErr   bool
	}{
		{
			name: "valid",
			body: `{"imgName":"photos/abc.jpg","chat_id":42}`,
			want: JobMessage{ImageKey: "photos/abc.jpg", ChatID: 42},
		},
		{
			name: "negative group chat id",
			body: `{"imgName":"a.png","chat_id":-100123}`,
			want: JobMessage{ImageKey: "a.png", ChatID: -100123},
		},
		{
			name: "unknown fields ignored",
			body: `{"imgName":"a.png","chat_id":7,"extra":true}`,
			want: JobMessage{ImageKey: "a.png", ChatID: 7},
		},
		{name: "missing chat id", body: `{"imgName":"a.png"}`, wantErr: true, wantField: "chat_id"},
		{name: "missing image", body: `{"chat_id":42}`, wantErr: true, wantField: "imgName"},
		{name: "blank image", body: `{"imgName":"  ","chat_id":42}`, wantErr: true, wantField: "imgName"},
		{name: "chat id as string", body: `{"imgName":"a.png","chat_id":"42"}`, wantErr: true},
		{name: "not json", body: `imgName=a.png`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJobMessage([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsMalformedJob(err), "expected malformed job error, got %v", err)
				if tt.wantField != "" {
					assert.Equal(t, tt.wantField, apperrors.GetField(err))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobMessageEncodeUsesWireNames(t *testing.T) {
	body, err := JobMessage{ImageKey: "photos/x.jpg", ChatID: 9}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"imgName":"photos/x.jpg","chat_id":9}`, string(body))

	_, err = JobMessage{ImageKey: "photos/x.jpg"}.Encode()
	assert.True(t, apperrors.IsMalformedJob(err))
}

func TestDeliveryJobUsesMessageID(t *testing.T) {
	d := &Delivery{
		MessageID: "msg-1",
		Body:      []byte(`{"imgName":"k.jpg","chat_id":42}`),
		Lease:     "lease-1",
	}

	job, err := d.Job()
	require.NoError(t, err)
	assert.Equal(t, Job{ID: "msg-1", ImageKey: "k.jpg", ChatID: 42}, job)

	redelivered := &Delivery{MessageID: "msg-1", Body: d.Body, Lease: "lease-2", ReceiveCount: 2}
	again, err := redelivered.Job()
	require.NoError(t, err)
	assert.Equal(t, job, again)
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobStateReceived.Terminal())
	assert.False(t, JobStatePersisted.Terminal())
	assert.True(t, JobStateAcknowledged.Terminal())
	assert.True(t, JobStateAbandoned.Terminal())
	assert.True(t, JobStateDeadLettered.Terminal())
}
