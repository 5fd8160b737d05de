package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/mocks"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/mocks/memory"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/notify"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/testutil"
)

var testClasses = model.NewClassNames([]string{"person", "bicycle", "car", "dog"})

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// stubEngine writes an annotated copy of the input and returns canned label lines.
type stubEngine struct {
	mu    sync.Mutex
	lines []string
	errs  []error
	calls int
	seen  []core.DetectRequest
}

func (e *stubEngine) Detect(_ context.Context, req core.DetectRequest) (*core.DetectResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.seen = append(e.seen, req)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	src, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(req.OutputDir, req.RunName)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return nil, err
	}
	out := filepath.Join(runDir, filepath.Base(req.ImagePath))
	if err := os.WriteFile(out, append([]byte("annotated:"), src...), 0o600); err != nil {
		return nil, err
	}
	return &core.DetectResponse{AnnotatedImagePath: out, LabelLines: append([]string(nil), e.lines...)}, nil
}

type pipeline struct {
	queue      *memory.Queue
	blobs      *memory.BlobStore
	results    *memory.ResultStore
	gateway    *memory.Gateway
	engine     *stubEngine
	dispatcher *NotificationDispatcher
	processor  *JobProcessor
	submitter  *JobSubmitter
	workDir    string
}

func newPipeline(t *testing.T, lines ...string) *pipeline {
	t.Helper()
	p := &pipeline{
		queue:   memory.NewQueue(time.Minute),
		blobs:   memory.NewBlobStore(),
		results: memory.NewResultStore(),
		gateway: &memory.Gateway{},
		engine:  &stubEngine{lines: lines},
		workDir: t.TempDir(),
	}

	var err error
	p.dispatcher, err = NewNotificationDispatcher(NotificationDispatcherOptions{
		Results: p.results,
		Gateway: p.gateway,
	})
	require.NoError(t, err)

	p.processor, err = NewJobProcessor(JobProcessorOptions{
		Config: ProcessorConfig{ClassNames: testClasses, WorkDir: p.workDir},
		Ports: ProcessorPorts{
			Queue:    p.queue,
			Blobs:    p.blobs,
			Engine:   p.engine,
			Results:  p.results,
			Notifier: &DirectNotifier{Dispatcher: p.dispatcher},
		},
		Clock: fixedClock{t: testutil.TestTime()},
	})
	require.NoError(t, err)

	p.submitter, err = NewJobSubmitter(JobSubmitterOptions{Blobs: p.blobs, Queue: p.queue})
	require.NoError(t, err)
	return p
}

func (p *pipeline) receive(t *testing.T) *model.Delivery {
	t.Helper()
	d, err := p.queue.Receive(context.Background(), 0)
	require.NoError(t, err)
	return d
}

func TestNewJobProcessor_RequiresDependencies(t *testing.T) {
	base := ProcessorPorts{
		Queue:   memory.NewQueue(time.Minute),
		Blobs:   memory.NewBlobStore(),
		Engine:  &stubEngine{},
		Results: memory.NewResultStore(),
	}

	tests := []struct {
		name  string
		cfg   ProcessorConfig
		ports func(ProcessorPorts) ProcessorPorts
		want  string
	}{
		{name: "class names", cfg: ProcessorConfig{}, ports: func(p ProcessorPorts) ProcessorPorts { return p }, want: "ClassNames"},
		{name: "queue", cfg: ProcessorConfig{ClassNames: testClasses}, ports: func(p ProcessorPorts) ProcessorPorts { p.Queue = nil; return p }, want: "WorkQueue"},
		{name: "blobs", cfg: ProcessorConfig{ClassNames: testClasses}, ports: func(p ProcessorPorts) ProcessorPorts { p.Blobs = nil; return p }, want: "BlobStore"},
		{name: "engine", cfg: ProcessorConfig{ClassNames: testClasses}, ports: func(p ProcessorPorts) ProcessorPorts { p.Engine = nil; return p }, want: "DetectionEngine"},
		{name: "results", cfg: ProcessorConfig{ClassNames: testClasses}, ports: func(p ProcessorPorts) ProcessorPorts { p.Results = nil; return p }, want: "ResultStore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJobProcessor(JobProcessorOptions{Config: tt.cfg, Ports: tt.ports(base)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestJobProcessor_Success(t *testing.T) {
	p := newPipeline(t, "3 0.5 0.5 0.2 0.3", "0 0.123456 0.25 0.1 0.1 0.87")
	ctx := context.Background()

	jobID, err := p.submitter.Submit(ctx, Photo{Key: "photos/abc.jpg", Data: []byte("jpeg")}, 42)
	require.NoError(t, err)

	out := p.processor.Process(ctx, p.receive(t))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobStateAcknowledged, out.State)

	res, err := p.results.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.ChatID)
	assert.Equal(t, "photos/abc.jpg", res.SourceImageKey)
	assert.Equal(t, "photos/abc_predicted.jpg", res.AnnotatedImageKey)
	assert.Equal(t, []string{"dog", "person"}, res.Classes())
	assert.Equal(t, "0.123456", res.Detections[1].CX.String())
	assert.Equal(t, testutil.TestTime(), res.CompletedAt)

	annotated, err := p.blobs.Get(ctx, "photos/abc_predicted.jpg")
	require.NoError(t, err)
	assert.Equal(t, "annotated:jpeg", string(annotated))

	assert.Equal(t, []memory.SentMessage{{ChatID: 42, Text: "dog\nperson"}}, p.gateway.Sent())
	assert.Zero(t, p.queue.Len())

	entries, err := os.ReadDir(p.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work dir should be cleaned up")
}

func TestJobProcessor_EmptyDetectionsStillAcknowledged(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	jobID, err := p.submitter.Submit(ctx, Photo{Key: "photos/empty.png", Data: []byte("png")}, 7)
	require.NoError(t, err)

	out := p.processor.Process(ctx, p.receive(t))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobStateAcknowledged, out.State)

	res, err := p.results.Get(ctx, jobID)
	require.NoError(t, err)
	assert.NotNil(t, res.Detections)
	assert.Empty(t, res.Detections)
	assert.Equal(t, []memory.SentMessage{{ChatID: 7, Text: ""}}, p.gateway.Sent())
}

func TestJobProcessor_MalformedJobIsDeadLettered(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{not json"},
		{name: "missing image", body: `{"chat_id": 5}`},
		{name: "missing chat", body: `{"imgName": "photos/a.jpg"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			p.queue.EnqueueRaw([]byte(tt.body))

			out := p.processor.Process(context.Background(), p.receive(t))
			assert.Equal(t, model.JobStateDeadLettered, out.State)
			assert.True(t, apperrors.IsMalformedJob(out.Err))

			assert.Zero(t, p.queue.Len())
			require.Len(t, p.queue.DeadLetters(), 1)
			assert.Equal(t, tt.body, string(p.queue.DeadLetters()[0].Body))
			assert.Zero(t, p.engine.calls)
		})
	}
}

func TestJobProcessor_DetectionFailureIsRedelivered(t *testing.T) {
	p := newPipeline(t, "2 0.5 0.5 0.5 0.5")
	p.engine.errs = []error{apperrors.Detection(errors.New("exit status 1"), "engine failed")}
	ctx := context.Background()

	jobID, err := p.submitter.Submit(ctx, Photo{Key: "photos/car.jpg", Data: []byte("x")}, 9)
	require.NoError(t, err)

	first := p.receive(t)
	out := p.processor.Process(ctx, first)
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.True(t, apperrors.IsDetection(out.Err))
	assert.Equal(t, 1, p.queue.Len())
	assert.Empty(t, p.gateway.Sent())
	_, err = p.results.Get(ctx, jobID)
	assert.True(t, apperrors.IsNotFound(err))

	second := p.receive(t)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.NotEqual(t, first.Lease, second.Lease)
	assert.Equal(t, 2, second.ReceiveCount)

	out = p.processor.Process(ctx, second)
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobStateAcknowledged, out.State)
	assert.Equal(t, []memory.SentMessage{{ChatID: 9, Text: "car"}}, p.gateway.Sent())
}

func TestJobProcessor_UnparseableLabelsAbandon(t *testing.T) {
	p := newPipeline(t, "99 0.5 0.5 0.5 0.5")
	ctx := context.Background()

	_, err := p.submitter.Submit(ctx, Photo{Key: "photos/x.jpg", Data: []byte("x")}, 1)
	require.NoError(t, err)

	out := p.processor.Process(ctx, p.receive(t))
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.True(t, apperrors.IsDetection(out.Err))
	assert.Zero(t, p.results.Puts())
	assert.Equal(t, 1, p.queue.Len())
}

func TestJobProcessor_MissingImageAbandons(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.queue.Enqueue(ctx, model.JobMessage{ImageKey: "photos/gone.jpg", ChatID: 3})
	require.NoError(t, err)

	out := p.processor.Process(ctx, p.receive(t))
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.True(t, apperrors.IsNotFound(out.Err))
	assert.Zero(t, p.engine.calls)
	assert.Equal(t, 1, p.queue.Len())
}

func TestJobProcessor_NotifyFailureRedeliversAndOverwrites(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockCompletionNotifier(ctrl)

	p := newPipeline(t, "1 0.5 0.5 0.5 0.5")
	proc, err := NewJobProcessor(JobProcessorOptions{
		Config: ProcessorConfig{ClassNames: testClasses, WorkDir: p.workDir},
		Ports: ProcessorPorts{
			Queue:    p.queue,
			Blobs:    p.blobs,
			Engine:   p.engine,
			Results:  p.results,
			Notifier: notifier,
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	jobID, err := p.submitter.Submit(ctx, Photo{Key: "photos/bike.jpg", Data: []byte("x")}, 11)
	require.NoError(t, err)

	gomock.InOrder(
		notifier.EXPECT().NotifyCompleted(gomock.Any(), jobID).Return(apperrors.Transient(errors.New("503"), "results endpoint unavailable")),
		notifier.EXPECT().NotifyCompleted(gomock.Any(), jobID).Return(nil),
	)

	out := proc.Process(ctx, p.receive(t))
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.True(t, apperrors.IsTransient(out.Err))
	assert.Equal(t, 1, p.results.Puts())

	out = proc.Process(ctx, p.receive(t))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobStateAcknowledged, out.State)
	assert.Equal(t, 2, p.results.Puts())

	res, err := p.results.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bicycle"}, res.Classes())
}

func TestJobProcessor_StaleLeaseOnAcknowledge(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockWorkQueue(ctrl)
	blobs := memory.NewBlobStore()
	results := memory.NewResultStore()
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, "photos/a.jpg", bytesReader("img"), 3, "image/jpeg"))

	proc, err := NewJobProcessor(JobProcessorOptions{
		Config: ProcessorConfig{ClassNames: testClasses, WorkDir: t.TempDir()},
		Ports:  ProcessorPorts{Queue: queue, Blobs: blobs, Engine: &stubEngine{}, Results: results},
	})
	require.NoError(t, err)

	d := &model.Delivery{MessageID: "job-1", Body: testutil.JobMessageBody("photos/a.jpg", 5), Lease: "lease-1", ReceiveCount: 1}
	queue.EXPECT().Acknowledge(gomock.Any(), model.LeaseToken("lease-1")).Return(apperrors.StaleLease("lease expired"))

	out := proc.Process(ctx, d)
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.True(t, apperrors.IsStaleLease(out.Err))

	_, err = results.Get(ctx, "job-1")
	assert.NoError(t, err, "result stays persisted for the redelivery to overwrite")
}

func TestJobProcessor_ResultStoreFailureAbandons(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockWorkQueue(ctrl)
	results := mocks.NewMockResultStore(ctrl)
	blobs := memory.NewBlobStore()
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, "photos/a.jpg", bytesReader("img"), 3, "image/jpeg"))

	proc, err := NewJobProcessor(JobProcessorOptions{
		Config: ProcessorConfig{ClassNames: testClasses, WorkDir: t.TempDir()},
		Ports:  ProcessorPorts{Queue: queue, Blobs: blobs, Engine: &stubEngine{}, Results: results},
	})
	require.NoError(t, err)

	d := &model.Delivery{MessageID: "job-2", Body: testutil.JobMessageBody("photos/a.jpg", 5), Lease: "lease-2", ReceiveCount: 1}
	storeErr := apperrors.Transient(errors.New("connection refused"), "database unavailable")
	results.EXPECT().Put(gomock.Any(), gomock.Any()).Return(storeErr)
	queue.EXPECT().Abandon(gomock.Any(), model.LeaseToken("lease-2")).Return(nil)

	out := proc.Process(ctx, d)
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.ErrorIs(t, out.Err, storeErr)
}

func TestJobProcessor_DeadLetterFailureLeavesMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockWorkQueue(ctrl)

	proc, err := NewJobProcessor(JobProcessorOptions{
		Config: ProcessorConfig{ClassNames: testClasses, WorkDir: t.TempDir()},
		Ports:  ProcessorPorts{Queue: queue, Blobs: memory.NewBlobStore(), Engine: &stubEngine{}, Results: memory.NewResultStore()},
	})
	require.NoError(t, err)

	d := &model.Delivery{MessageID: "job-3", Body: []byte("garbage"), Lease: "lease-3"}
	queue.EXPECT().DeadLetter(gomock.Any(), d, gomock.Any()).Return(errors.New("db down"))

	out := proc.Process(context.Background(), d)
	assert.Equal(t, model.JobStateAbandoned, out.State)
	require.Error(t, out.Err)
}

type captureAlerts struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (c *captureAlerts) NotifyJobFailure(_ context.Context, payload notify.JobFailurePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
}

func (c *captureAlerts) all() []notify.JobFailurePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), c.payloads...)
}

func newAlertingProcessor(t *testing.T, p *pipeline, alerts FailureAlerter, after int) *JobProcessor {
	t.Helper()
	proc, err := NewJobProcessor(JobProcessorOptions{
		Config: ProcessorConfig{ClassNames: testClasses, WorkDir: p.workDir, AlertAfterAttempts: after},
		Ports: ProcessorPorts{
			Queue:    p.queue,
			Blobs:    p.blobs,
			Engine:   p.engine,
			Results:  p.results,
			Notifier: &DirectNotifier{Dispatcher: p.dispatcher},
			Alerts:   alerts,
		},
		Clock: fixedClock{t: testutil.TestTime()},
	})
	require.NoError(t, err)
	return proc
}

func TestJobProcessor_DeadLetterRaisesAlert(t *testing.T) {
	p := newPipeline(t)
	alerts := &captureAlerts{}
	proc := newAlertingProcessor(t, p, alerts, 0)

	id := p.queue.EnqueueRaw([]byte("{not json"))
	out := proc.Process(context.Background(), p.receive(t))
	require.Equal(t, model.JobStateDeadLettered, out.State)

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].JobID)
	assert.True(t, got[0].DeadLetter)
	assert.Equal(t, 1, got[0].Attempts)
	assert.NotEmpty(t, got[0].Error)
	assert.Equal(t, testutil.TestTime(), got[0].OccurredAt)
}

func TestJobProcessor_RepeatedFailureRaisesAlert(t *testing.T) {
	p := newPipeline(t, "2 0.5 0.5 0.5 0.5")
	engineErr := apperrors.Detection(errors.New("exit status 1"), "engine failed")
	p.engine.errs = []error{engineErr, engineErr}
	alerts := &captureAlerts{}
	proc := newAlertingProcessor(t, p, alerts, 2)
	ctx := context.Background()

	jobID, err := p.submitter.Submit(ctx, Photo{Key: "photos/car.jpg", Data: []byte("x")}, 9)
	require.NoError(t, err)

	out := proc.Process(ctx, p.receive(t))
	require.Equal(t, model.JobStateAbandoned, out.State)
	assert.Empty(t, alerts.all(), "first attempt stays below the threshold")

	out = proc.Process(ctx, p.receive(t))
	require.Equal(t, model.JobStateAbandoned, out.State)

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, jobID, got[0].JobID)
	assert.Equal(t, int64(9), got[0].ChatID)
	assert.Equal(t, "photos/car.jpg", got[0].ImageKey)
	assert.Equal(t, string(model.JobStateImageFetched), got[0].Stage)
	assert.Equal(t, 2, got[0].Attempts)
	assert.False(t, got[0].DeadLetter)
}

func TestJobProcessor_AlertsDisabledByZeroThreshold(t *testing.T) {
	p := newPipeline(t)
	alerts := &captureAlerts{}
	proc := newAlertingProcessor(t, p, alerts, 0)
	ctx := context.Background()

	_, err := p.queue.Enqueue(ctx, model.JobMessage{ImageKey: "photos/gone.jpg", ChatID: 3})
	require.NoError(t, err)

	out := proc.Process(ctx, p.receive(t))
	assert.Equal(t, model.JobStateAbandoned, out.State)
	assert.Empty(t, alerts.all())
}

func bytesReader(s string) io.Reader { return strings.NewReader(s) }

func TestSafeDirName(t *testing.T) {
	assert.Equal(t, "abc-123_x", safeDirName("abc-123_x"))
	assert.Equal(t, "___etc_passwd", safeDirName("../etc/passwd"))
	assert.Equal(t, "job", safeDirName(""))
}
