// Package detector runs object detection over local images, either by invoking a
// YOLOv5 checkout as a subprocess or by calling an inference service over HTTP.
package detector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

const (
	defaultPython  = "python3"
	defaultScript  = "detect.py"
	defaultWeights = "yolov5s.pt"
	defaultTimeout = 5 * time.Minute
	stderrTailSize = 2048
	// waitDelay bounds how long a killed script may keep its output pipes open.
	waitDelay = 2 * time.Second
)

// ExecConfig describes how to invoke the detection script.
type ExecConfig struct {
	Python  string
	Script  string
	Weights string
	// Dir is the working directory of the script, typically the YOLOv5 checkout.
	Dir       string
	ExtraArgs []string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// ExecEngine is a core.DetectionEngine that shells out to a YOLOv5-style detect script.
// The script writes the annotated image to <project>/<name>/<file> and one label line
// per object to <project>/<name>/labels/<stem>.txt.
type ExecEngine struct {
	cfg    ExecConfig
	logger *slog.Logger
}

var _ core.DetectionEngine = (*ExecEngine)(nil)

// NewExecEngine applies defaults to cfg.
func NewExecEngine(cfg ExecConfig) *ExecEngine {
	if strings.TrimSpace(cfg.Python) == "" {
		cfg.Python = defaultPython
	}
	if strings.TrimSpace(cfg.Script) == "" {
		cfg.Script = defaultScript
	}
	if strings.TrimSpace(cfg.Weights) == "" {
		cfg.Weights = defaultWeights
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecEngine{cfg: cfg, logger: logger.With("component", "detector", "engine", "exec")}
}

func (e *ExecEngine) args(req core.DetectRequest) []string {
	args := []string{
		e.cfg.Script,
		"--weights", e.cfg.Weights,
		"--source", req.ImagePath,
		"--project", req.OutputDir,
		"--name", req.RunName,
		"--save-txt",
		"--exist-ok",
	}
	return append(args, e.cfg.ExtraArgs...)
}

// Detect runs the script and collects its outputs.
func (e *ExecEngine) Detect(ctx context.Context, req core.DetectRequest) (*core.DetectResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.cfg.Python, e.args(req)...)
	cmd.Dir = e.cfg.Dir
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Detection(err, fmt.Sprintf("detection timed out after %s", e.cfg.Timeout))
		}
		return nil, apperrors.Detection(err, "detection script failed: "+tail(stderr.String()))
	}
	e.logger.DebugContext(ctx, "detection finished", "run", req.RunName, "duration_ms", time.Since(start).Milliseconds())

	return collectOutputs(req)
}

func validateRequest(req core.DetectRequest) error {
	if strings.TrimSpace(req.ImagePath) == "" {
		return apperrors.ValidationField("image_path", "image path is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" || strings.TrimSpace(req.RunName) == "" {
		return apperrors.Validation("output dir and run name are required")
	}
	return nil
}

// RunDir is where a run writes its outputs.
func RunDir(req core.DetectRequest) string {
	return filepath.Join(req.OutputDir, req.RunName)
}

func collectOutputs(req core.DetectRequest) (*core.DetectResponse, error) {
	base := filepath.Base(req.ImagePath)
	annotated := filepath.Join(RunDir(req), base)
	if _, err := os.Stat(annotated); err != nil {
		return nil, apperrors.Detection(err, "annotated image was not produced")
	}

	stem := strings.TrimSuffix(base, filepath.Ext(base))
	lines, err := readLabelLines(filepath.Join(RunDir(req), "labels", stem+".txt"))
	if err != nil {
		return nil, apperrors.Detection(err, "read label file")
	}
	return &core.DetectResponse{AnnotatedImagePath: annotated, LabelLines: lines}, nil
}

// readLabelLines returns the non-blank lines of path. No file means nothing was detected.
func readLabelLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailSize {
		s = s[len(s)-stderrTailSize:]
	}
	return s
}
