package simulate

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidPeriod = errors.New("sample period must be positive and finite")
	ErrNoWorkers     = errors.New("at least one worker is required")
	ErrNoRequests    = errors.New("at least one request per worker is required")
	ErrZeroSize      = errors.New("request size must be at least one byte")
)
