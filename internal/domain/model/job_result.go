package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// AnnotatedSuffix is appended to the source key stem to name the annotated image.
const AnnotatedSuffix = "_predicted"

// JobResult is the persisted outcome of one successfully processed job.
type JobResult struct {
	JobID             string      `json:"prediction_id"`
	ChatID            int64       `json:"chat_id"`
	SourceImageKey    string      `json:"original_img_path"`
	AnnotatedImageKey string      `json:"predicted_img_path"`
	Detections        []Detection `json:"labels"`
	CompletedAt       time.Time   `json:"time"`
}

// Classes returns detected class names in stored order.
func (r *JobResult) Classes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Detections))
	for i, d := range r.Detections {
		out[i] = d.Class
	}
	return out
}

// SummaryMode selects how a result is rendered for the user.
type SummaryMode string

const (
	// SummaryModeList renders one class name per line in stored order.
	SummaryModeList SummaryMode = "list"
	// SummaryModeCount renders "class: n" per distinct class in first-seen order.
	SummaryModeCount SummaryMode = "count"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (m *SummaryMode) UnmarshalText(text []byte) error {
	v := SummaryMode(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case "":
		*m = SummaryModeList
	case SummaryModeList, SummaryModeCount:
		*m = v
	default:
		return fmt.Errorf("invalid SummaryMode: %q", v)
	}
	return nil
}

// Summary renders the plain-text message sent to the chat. A result with no
// detections renders as an empty string.
func (r *JobResult) Summary(mode SummaryMode) string {
	classes := r.Classes()
	if mode != SummaryModeCount {
		return strings.Join(classes, "\n")
	}

	counts := make(map[string]int, len(classes))
	order := make([]string, 0, len(classes))
	for _, c := range classes {
		if counts[c] == 0 {
			order = append(order, c)
		}
		counts[c]++
	}
	lines := make([]string, len(order))
	for i, c := range order {
		lines[i] = fmt.Sprintf("%s: %d", c, counts[c])
	}
	return strings.Join(lines, "\n")
}

// AnnotatedKey derives the storage key of the annotated image: <stem>_predicted<.ext>.
func AnnotatedKey(sourceKey string) string {
	ext := path.Ext(sourceKey)
	return strings.TrimSuffix(sourceKey, ext) + AnnotatedSuffix + ext
}
