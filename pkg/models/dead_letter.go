package models

// DeadLetterReason represents why a build report was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonInvalidReport  DeadLetterReason = "invalid_report"
	DLQReasonUnknownJob     DeadLetterReason = "unknown_job"
	DLQReasonRequestMissing DeadLetterReason = "request_missing"
	DLQReasonUnknown        DeadLetterReason = "unknown"
)
