package audit

// Entry is one recorded operation.
type Entry struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Principal string `json:"principal"`

	// Operation is the action name, e.g. "s3:PutObject" or
	// "multipart:Complete".
	Operation string `json:"operation"`

	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`

	// Status is "ok" or the error kind ("not_found", "access_denied"...).
	Status string `json:"status"`

	// Bytes moved by the operation, when applicable.
	Bytes int64 `json:"bytes,omitempty"`

	// DurationMicros is the operation's wall time.
	DurationMicros int64 `json:"duration_micros,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// Statuses
const (
	StatusOK = "ok"
)

// Filters narrows a log query. Zero values mean "no filter".
type Filters struct {
	Principal string
	Operation string
	Bucket    string
	Status    string
	StartTime int64
	EndTime   int64

	Page     int
	PageSize int
}
