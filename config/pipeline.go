package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
)

// QueueBackend selects the WorkQueue implementation.
type QueueBackend string

const (
	// QueueBackendPostgres leases messages from the queue_messages table.
	QueueBackendPostgres QueueBackend = "postgres"
	// QueueBackendRabbitMQ consumes a durable RabbitMQ queue.
	QueueBackendRabbitMQ QueueBackend = "rabbitmq"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (b *QueueBackend) UnmarshalText(text []byte) error {
	v := QueueBackend(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case "":
		*b = QueueBackendPostgres
	case QueueBackendPostgres, QueueBackendRabbitMQ:
		*b = v
	default:
		return fmt.Errorf("invalid QueueBackend: %q", v)
	}
	return nil
}

// EngineKind selects the DetectionEngine implementation.
type EngineKind string

const (
	// EngineExec runs the detection script as a subprocess.
	EngineExec EngineKind = "exec"
	// EngineHTTP posts images to an inference service.
	EngineHTTP EngineKind = "http"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (k *EngineKind) UnmarshalText(text []byte) error {
	v := EngineKind(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case "":
		*k = EngineExec
	case EngineExec, EngineHTTP:
		*k = v
	default:
		return fmt.Errorf("invalid EngineKind: %q", v)
	}
	return nil
}

// NotifierKind selects how the detector signals a completed job.
type NotifierKind string

const (
	// NotifierDirect sends the summary from the detector process itself.
	NotifierDirect NotifierKind = "direct"
	// NotifierCallback calls the bot service's results endpoint.
	NotifierCallback NotifierKind = "callback"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (k *NotifierKind) UnmarshalText(text []byte) error {
	v := NotifierKind(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case "":
		*k = NotifierCallback
	case NotifierDirect, NotifierCallback:
		*k = v
	default:
		return fmt.Errorf("invalid NotifierKind: %q", v)
	}
	return nil
}

// QueueConfig contains work queue configuration.
type QueueConfig struct {
	Backend QueueBackend `env:"QUEUE_BACKEND" envDefault:"postgres"`
	Name    string       `env:"QUEUE_NAME"    envDefault:"detections"`

	// VisibilityTimeout is how long a received message stays leased (postgres backend).
	// It doubles as the retry delay after a failed attempt.
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"5m"`

	AMQPURL        string        `env:"QUEUE_AMQP_URL"`
	ConnectRetries int           `env:"QUEUE_CONNECT_RETRIES" envDefault:"10"`
	RetryDelay     time.Duration `env:"QUEUE_RETRY_DELAY"     envDefault:"5s"`
	PollInterval   time.Duration `env:"QUEUE_POLL_INTERVAL"   envDefault:"250ms"`

	// RequeueDelay is how long an abandoned message waits in "<name>.retry"
	// before returning to the queue (rabbitmq backend).
	RequeueDelay time.Duration `env:"QUEUE_REQUEUE_DELAY" envDefault:"30s"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Backend == "" {
		q.Backend = QueueBackendPostgres
	}
	if q.Name = strings.TrimSpace(q.Name); q.Name == "" {
		q.Name = "detections"
	}
	if q.VisibilityTimeout < 10*time.Second {
		q.VisibilityTimeout = 10 * time.Second
	}
	q.AMQPURL = strings.TrimSpace(q.AMQPURL)
	if q.ConnectRetries < 1 {
		q.ConnectRetries = 1
	}
	if q.RetryDelay <= 0 {
		q.RetryDelay = 5 * time.Second
	}
	if q.PollInterval <= 0 {
		q.PollInterval = 250 * time.Millisecond
	}
	if q.RequeueDelay < time.Second {
		q.RequeueDelay = time.Second
	}
}

// DetectorConfig contains detection engine and completion notification configuration.
type DetectorConfig struct {
	Engine EngineKind `env:"DETECTOR_ENGINE" envDefault:"exec"`

	// Exec engine settings.
	Python    string        `env:"DETECTOR_PYTHON"     envDefault:"python3"`
	Script    string        `env:"DETECTOR_SCRIPT"     envDefault:"detect.py"`
	Weights   string        `env:"DETECTOR_WEIGHTS"    envDefault:"yolov5s.pt"`
	Dir       string        `env:"DETECTOR_DIR"`
	ExtraArgs []string      `env:"DETECTOR_EXTRA_ARGS" envSeparator:" "`
	Timeout   time.Duration `env:"DETECTOR_TIMEOUT"    envDefault:"5m"`

	// HTTP engine settings.
	HTTPURL string `env:"DETECTOR_HTTP_URL"`

	// ClassesFile is a YAML class table (a list, or a map of index to name).
	// Empty uses the built-in COCO table.
	ClassesFile string `env:"DETECTOR_CLASSES_FILE"`

	// WorkDir is the scratch root for per-job directories.
	WorkDir string `env:"DETECTOR_WORK_DIR"`

	Notifier           NotifierKind  `env:"DETECTOR_NOTIFIER"             envDefault:"callback"`
	ResultsURL         string        `env:"DETECTOR_RESULTS_URL"`
	CallbackRetryLimit int           `env:"DETECTOR_CALLBACK_RETRY_LIMIT" envDefault:"3"`
	CallbackTimeout    time.Duration `env:"DETECTOR_CALLBACK_TIMEOUT"     envDefault:"5s"`
}

// Sanitize applies guardrails to detector configuration values.
func (d *DetectorConfig) Sanitize() {
	if d.Engine == "" {
		d.Engine = EngineExec
	}
	if d.Notifier == "" {
		d.Notifier = NotifierCallback
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Minute
	}
	d.HTTPURL = strings.TrimSpace(d.HTTPURL)
	d.ResultsURL = strings.TrimSpace(d.ResultsURL)
	d.ClassesFile = strings.TrimSpace(d.ClassesFile)
	if d.CallbackRetryLimit < 0 {
		d.CallbackRetryLimit = 0
	}
	if d.CallbackTimeout <= 0 {
		d.CallbackTimeout = 5 * time.Second
	}
}

// WorkerConfig controls the detection worker loop.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"1"`

	// Wait is the receive wait budget per poll.
	Wait time.Duration `env:"WORKER_WAIT" envDefault:"5s"`

	// IdleMin and IdleMax bound the sleep after empty or failed receives.
	IdleMin time.Duration `env:"WORKER_IDLE_MIN" envDefault:"3s"`
	IdleMax time.Duration `env:"WORKER_IDLE_MAX" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Wait <= 0 {
		w.Wait = 5 * time.Second
	}
	if w.IdleMin <= 0 {
		w.IdleMin = 3 * time.Second
	}
	if w.IdleMax < w.IdleMin {
		w.IdleMax = w.IdleMin
	}
}

// ResultsConfig controls result caching and rendering.
type ResultsConfig struct {
	// CacheEnabled puts the Redis cache in front of the result table when Redis is configured.
	CacheEnabled bool          `env:"RESULTS_CACHE_ENABLED" envDefault:"true"`
	CacheTTL     time.Duration `env:"RESULTS_CACHE_TTL"     envDefault:"24h"`

	SummaryMode model.SummaryMode `env:"RESULTS_SUMMARY_MODE" envDefault:"list"`

	// Header is prepended on its own line to every summary when set.
	Header string `env:"RESULTS_HEADER"`
}

// Sanitize applies guardrails to results configuration values.
func (r *ResultsConfig) Sanitize() {
	if r.CacheTTL <= 0 {
		r.CacheTTL = 24 * time.Hour
	}
	if r.SummaryMode == "" {
		r.SummaryMode = model.SummaryModeList
	}
}
