// Package metrics names and tags the pipeline's StatsD metrics.
package metrics

import (
	"time"

	obserrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/errors"
	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/statsd"
)

// Result values for the "result" tag.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultEmpty   = "empty"
)

// JobMetric describes the end of one processing attempt.
type JobMetric struct {
	// State is the terminal JobState reached.
	State    string
	Duration time.Duration
	Err      error
}

// EmitJobOutcome counts the attempt and records its duration.
func EmitJobOutcome(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{"state": in.State, "result": ResultSuccess}
	if in.Err != nil {
		tags["result"] = ResultError
		tags["error_class"] = obserrors.Classify(in.Err)
	}
	sink.Count("job.outcome", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, map[string]string{"state": in.State})
	}
}

// EmitReceive counts one receive call by result: success, empty or error.
func EmitReceive(sink statsd.Sink, result string, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": result}
	if err != nil {
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Count("queue.receive", 1, tags)
}

// EmitSubmission counts one photo submission.
func EmitSubmission(sink statsd.Sink, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": ResultSuccess}
	if err != nil {
		tags["result"] = ResultError
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Count("job.submitted", 1, tags)
}

// EmitDelivery counts one result delivery attempt.
func EmitDelivery(sink statsd.Sink, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": ResultSuccess}
	if err != nil {
		tags["result"] = ResultError
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Count("result.delivered", 1, tags)
}

// EmitCleanup counts one retention step by operation. Removed rows are counted
// separately so dashboards can chart volume.
func EmitCleanup(sink statsd.Sink, operation string, removed int64, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	switch {
	case err != nil:
		result = ResultError
	case removed == 0:
		result = ResultEmpty
	}
	tags := map[string]string{"operation": operation, "result": result}
	if err != nil {
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Count("reaper.cleanup", 1, tags)
	if err == nil && removed > 0 {
		sink.Count("reaper.rows_deleted", removed, map[string]string{"operation": operation})
	}
}
