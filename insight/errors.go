package insight

import (
	"errors"

	"github.com/hazyhaar/tubescope/insight/internal/source"
)

// ErrInvalidInput is returned when an identifier or parameter fails validation.
var ErrInvalidInput = errors.New("insight: invalid input")

// ErrUnknownStage is returned when a request names a stage that is not registered.
var ErrUnknownStage = errors.New("insight: unknown stage")

// ErrNotFound is returned when an entity does not exist upstream or locally.
var ErrNotFound = source.ErrNotFound

// ErrRateLimited is returned when the upstream quota is exhausted after retries.
var ErrRateLimited = source.ErrRateLimited
