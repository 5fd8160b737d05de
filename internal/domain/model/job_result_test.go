package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotatedKey(t *testing.T) {
	tests := map[string]string{
		"photos/abc.jpg": "photos/abc_predicted.jpg",
		"street.jpeg":    "street_predicted.jpeg",
		"noext":          "noext_predicted",
		"dir.v2/img.png": "dir.v2/img_predicted.png",
		"a.b.c.webp":     "a.b.c_predicted.webp",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			got := AnnotatedKey(in)
			assert.Equal(t, want, got)
			assert.NotEqual(t, in, got)
		})
	}
}

func TestSummaryList(t *testing.T) {
	r := &JobResult{Detections: []Detection{{Class: "dog"}, {Class: "cat"}, {Class: "dog"}}}
	assert.Equal(t, "dog\ncat\ndog", r.Summary(SummaryModeList))
}

func TestSummaryCount(t *testing.T) {
	r := &JobResult{Detections: []Detection{{Class: "dog"}, {Class: "cat"}, {Class: "dog"}}}
	assert.Equal(t, "dog: 2\ncat: 1", r.Summary(SummaryModeCount))
}

func TestSummaryEmpty(t *testing.T) {
	r := &JobResult{Detections: []Detection{}}
	assert.Empty(t, r.Summary(SummaryModeList))
	assert.Empty(t, r.Summary(SummaryModeCount))
}

func TestSummaryModeUnmarshalText(t *testing.T) {
	var m SummaryMode
	require.NoError(t, m.UnmarshalText([]byte(" COUNT ")))
	assert.Equal(t, SummaryModeCount, m)

	require.NoError(t, m.UnmarshalText([]byte("")))
	assert.Equal(t, SummaryModeList, m)

	assert.Error(t, m.UnmarshalText([]byte("histogram")))
}

func TestLargestPhoto(t *testing.T) {
	msg := &ChatMessage{Photos: []PhotoRef{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "big", Width: 1280, Height: 960},
		{FileID: "mid", Width: 320, Height: 240},
	}}
	p, ok := msg.LargestPhoto()
	require.True(t, ok)
	assert.Equal(t, "big", p.FileID)

	_, ok = (&ChatMessage{Text: "hi"}).LargestPhoto()
	assert.False(t, ok)
}
