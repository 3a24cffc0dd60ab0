package resilience

import (
	"time"
)

// DLQEntry is a recalculation job that exhausted its attempts.
type DLQEntry struct {
	ID           string    `json:"id"`
	AssetKey     string    `json:"asset_key"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	Source       string    `json:"source"`     // dispatcher that gave up: "local" or "temporal"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsPermanent(err) || !IsTransient(err) {
		return "permanent"
	}
	return "transient"
}

// NewDLQEntry builds an entry for a job that failed with err.
func NewDLQEntry(assetKey, source string, err error, maxRetries int, now time.Time) DLQEntry {
	return DLQEntry{
		AssetKey:     assetKey,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		Source:       source,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}
