package detector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// fakeDetect mimics the YOLOv5 output layout for the image passed with --source.
const fakeDetect = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --source) src="$2"; shift 2 ;;
    --project) project="$2"; shift 2 ;;
    --name) name="$2"; shift 2 ;;
    *) shift ;;
  esac
done
out="$project/$name"
mkdir -p "$out/labels"
cp "$src" "$out/$(basename "$src")"
file=$(basename "$src")
stem="${file%.*}"
if [ -n "$LABELS" ]; then
  printf "$LABELS" > "$out/labels/$stem.txt"
fi
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "detect.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))
	return path
}

func newRequest(t *testing.T) core.DetectRequest {
	t.Helper()
	dir := t.TempDir()
	img := filepath.Join(dir, "cat.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o600))
	return core.DetectRequest{ImagePath: img, OutputDir: filepath.Join(dir, "out"), RunName: "job-1"}
}

func TestExecEngine_Detect(t *testing.T) {
	script := writeScript(t, fakeDetect)
	t.Setenv("LABELS", `15 0.5 0.5 0.2 0.2\n\n16 0.1 0.1 0.05 0.05\n`)

	engine := NewExecEngine(ExecConfig{Python: "/bin/sh", Script: script})
	req := newRequest(t)

	resp, err := engine.Detect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(req.OutputDir, "job-1", "cat.jpg"), resp.AnnotatedImagePath)
	assert.Equal(t, []string{"15 0.5 0.5 0.2 0.2", "16 0.1 0.1 0.05 0.05"}, resp.LabelLines)
}

func TestExecEngine_NoLabelFileMeansNoDetections(t *testing.T) {
	script := writeScript(t, fakeDetect)
	t.Setenv("LABELS", "")

	resp, err := NewExecEngine(ExecConfig{Python: "/bin/sh", Script: script}).Detect(context.Background(), newRequest(t))
	require.NoError(t, err)
	assert.NotNil(t, resp.LabelLines)
	assert.Empty(t, resp.LabelLines)
}

func TestExecEngine_ScriptFailure(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 'CUDA out of memory' >&2\nexit 3\n")

	_, err := NewExecEngine(ExecConfig{Python: "/bin/sh", Script: script}).Detect(context.Background(), newRequest(t))
	require.Error(t, err)
	assert.True(t, apperrors.IsDetection(err))
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestExecEngine_MissingAnnotatedImage(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 0\n")

	_, err := NewExecEngine(ExecConfig{Python: "/bin/sh", Script: script}).Detect(context.Background(), newRequest(t))
	assert.True(t, apperrors.IsDetection(err))
}

func TestExecEngine_Timeout(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 5\n")

	engine := NewExecEngine(ExecConfig{Python: "/bin/sh", Script: script, Timeout: 100 * time.Millisecond})
	_, err := engine.Detect(context.Background(), newRequest(t))
	require.Error(t, err)
	assert.True(t, apperrors.IsDetection(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecEngine_Args(t *testing.T) {
	engine := NewExecEngine(ExecConfig{ExtraArgs: []string{"--conf-thres", "0.4"}})
	args := engine.args(core.DetectRequest{ImagePath: "/tmp/a.jpg", OutputDir: "/tmp/out", RunName: "r"})
	assert.Equal(t, []string{
		"detect.py",
		"--weights", "yolov5s.pt",
		"--source", "/tmp/a.jpg",
		"--project", "/tmp/out",
		"--name", "r",
		"--save-txt",
		"--exist-ok",
		"--conf-thres", "0.4",
	}, args)
}

func TestValidateRequest(t *testing.T) {
	assert.True(t, apperrors.IsValidation(validateRequest(core.DetectRequest{})))
	assert.True(t, apperrors.IsValidation(validateRequest(core.DetectRequest{ImagePath: "a.jpg"})))
	assert.NoError(t, validateRequest(core.DetectRequest{ImagePath: "a.jpg", OutputDir: "o", RunName: "r"}))
}
