package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

func TestHTTPEngine_Detect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "cat.jpg", hdr.Filename)
		assert.Equal(t, "jpeg", string(data))

		_ = json.NewEncoder(w).Encode(inferenceResponse{
			Labels:         []string{"15 0.5 0.5 0.2 0.2", " "},
			AnnotatedImage: base64.StdEncoding.EncodeToString([]byte("boxed")),
		})
	}))
	defer srv.Close()

	engine, err := NewHTTPEngine(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	req := newRequest(t)
	resp, err := engine.Detect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"15 0.5 0.5 0.2 0.2"}, resp.LabelLines)

	annotated, err := os.ReadFile(resp.AnnotatedImagePath)
	require.NoError(t, err)
	assert.Equal(t, "boxed", string(annotated))
}

func TestHTTPEngine_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine, err := NewHTTPEngine(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = engine.Detect(context.Background(), newRequest(t))
	assert.True(t, apperrors.IsDetection(err))
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPEngine_EmptyAnnotatedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"labels":[]}`))
	}))
	defer srv.Close()

	engine, err := NewHTTPEngine(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = engine.Detect(context.Background(), newRequest(t))
	assert.True(t, apperrors.IsDetection(err))
}

func TestHTTPEngine_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	engine, err := NewHTTPEngine(HTTPConfig{URL: srv.URL + "/"})
	require.NoError(t, err)
	assert.NoError(t, engine.Health(context.Background()))
}

func TestNewHTTPEngine_RequiresURL(t *testing.T) {
	_, err := NewHTTPEngine(HTTPConfig{})
	assert.True(t, apperrors.IsValidation(err))
}
