package domain

// Event is one progress record emitted by an engine or minted by a manager.
// Data is opaque to the core except for the fields inspected by the progress
// snapshot update and the log formatter.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Event types minted by the managers.
const (
	EventConnected            = "connected"
	EventJobQueued            = "job.queued"
	EventJobStatus            = "job.status"
	EventJobCompleted         = "job.completed"
	EventJobFailed            = "job.failed"
	EventRemediationStarted   = "remediation.started"
	EventRemediationCompleted = "remediation.completed"
	EventRemediationFailed    = "remediation.failed"
)

// Event types relayed from the engine. The core never mints these; it only
// needs the type strings to route them through the log formatter and the
// progress snapshot.
const (
	EventJobStarted        = "job.started"
	EventFileStarted       = "file.started"
	EventFileCompleted     = "file.completed"
	EventEvaluatorProgress = "evaluator.progress"
	EventEvaluatorRetry    = "evaluator.retry"
	EventEvaluatorTimeout  = "evaluator.timeout"
	EventCurationStarted   = "curation.started"
	EventCurationCompleted = "curation.completed"
)

// String returns the named data field as a string, or "" when absent.
func (e Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the named data field as an int. JSON decoding yields float64
// for numbers, so both are accepted.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// IntOr returns the named data field as an int, or def when absent.
func (e Event) IntOr(key string, def int) int {
	if v, ok := e.Int(key); ok {
		return v
	}
	return def
}

// Float returns the named data field as a float64, or 0.
func (e Event) Float(key string) float64 {
	switch v := e.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
