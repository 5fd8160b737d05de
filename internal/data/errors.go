package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	ErrQueueNameRequired    = errors.New("queue name is required")
	ErrPredictionIDRequired = errors.New("prediction_id is required")
	ErrResultRequired       = errors.New("result is required")
)
