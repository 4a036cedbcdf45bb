package logger

// Field keys shared by all packages.
const (
	KeyURL        = "url"
	KeyTaskID     = "task_id"
	KeyTier       = "tier"
	KeyType       = "type"
	KeyConfidence = "confidence"
	KeyReason     = "reason"
	KeyStatus     = "status"
	KeySize       = "size"
	KeyBytes      = "bytes"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyCount      = "count"
	KeyPath       = "path"
)
