package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// HTTPConfig points at an inference service.
type HTTPConfig struct {
	// URL receives a multipart POST with the image in the "file" field.
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPEngine is a core.DetectionEngine that delegates to a remote inference service.
// The service answers with {"labels": ["<class> <cx> <cy> <w> <h>", ...],
// "annotated_image": "<base64>"}.
type HTTPEngine struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ core.DetectionEngine = (*HTTPEngine)(nil)

var errEmptyAnnotatedImage = errors.New("empty annotated image")

type inferenceResponse struct {
	Labels         []string `json:"labels"`
	AnnotatedImage string   `json:"annotated_image"`
}

// NewHTTPEngine builds an HTTPEngine.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, apperrors.ValidationField("url", "inference url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEngine{url: u, client: hc, logger: logger.With("component", "detector", "engine", "http")}, nil
}

// Detect uploads the image and writes the returned annotated image into the run directory.
func (e *HTTPEngine) Detect(ctx context.Context, req core.DetectRequest) (*core.DetectResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	body, contentType, err := multipartImage(filepath.Base(req.ImagePath), image)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return nil, fmt.Errorf("create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Detection(err, "inference request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, stderrTailSize))
		return nil, apperrors.Detection(
			fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(msg))),
			"inference service rejected image",
		)
	}

	var out inferenceResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil {
		return nil, apperrors.Detection(decodeErr, "decode inference response")
	}
	return writeRun(req, out)
}

func multipartImage(name string, data []byte) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("copy image data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func writeRun(req core.DetectRequest, out inferenceResponse) (*core.DetectResponse, error) {
	annotated, err := base64.StdEncoding.DecodeString(out.AnnotatedImage)
	if err != nil {
		return nil, apperrors.Detection(err, "decode annotated image")
	}
	if len(annotated) == 0 {
		return nil, apperrors.Detection(errEmptyAnnotatedImage, "inference response has no annotated image")
	}
	dir := RunDir(req)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(req.ImagePath))
	if err := os.WriteFile(path, annotated, 0o600); err != nil {
		return nil, fmt.Errorf("write annotated image: %w", err)
	}

	lines := make([]string, 0, len(out.Labels))
	for _, l := range out.Labels {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return &core.DetectResponse{AnnotatedImagePath: path, LabelLines: lines}, nil
}

// Health probes <url>/health.
func (e *HTTPEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(e.url, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
