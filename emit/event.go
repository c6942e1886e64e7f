package emit

// Event is one observability record produced while judging.
//
// The worker and the pipeline publish the attempt header, per-test
// progress, checker output and the final verdict through Events, so the
// same stream can feed the console, a log file or a tracing backend.
type Event struct {
	// AttemptID identifies the attempt being judged. Zero for
	// worker-level events (startup, claim polls, shutdown).
	AttemptID int64

	// Test is the 1-based test number the event concerns. Zero for
	// attempt-level events (header, compilation, final verdict).
	Test int

	// Msg is a short machine-stable description, e.g. "attempt_start",
	// "testing", "verdict".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "result": the result string being persisted
	//   - "verdict": the per-test verdict label
	//   - "error": error details for recoverable and fatal failures
	//   - "used_time_s", "used_memory_mb": resource usage
	Meta map[string]interface{}
}
