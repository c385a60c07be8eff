package worker

// Verdict classifies one execution attempt of a job body.
type Verdict int

const (
	// Done means the job body finished and produced a result.
	Done Verdict = iota
	// TransientFailure means the attempt failed but a retry may succeed.
	TransientFailure
	// PermanentFailure means retrying cannot help; fail the job now.
	PermanentFailure
)

// Outcome is the explicit result of a job body. Retry policy is a pure
// function of the outcome and the attempt number, never of raised errors.
type Outcome struct {
	Verdict Verdict
	Result  map[string]any
	Err     error
}

// Succeed builds a Done outcome carrying the job result.
func Succeed(result map[string]any) Outcome {
	return Outcome{Verdict: Done, Result: result}
}

// Transient builds a retryable failure outcome.
func Transient(err error) Outcome {
	return Outcome{Verdict: TransientFailure, Err: err}
}

// Permanent builds a non-retryable failure outcome.
func Permanent(err error) Outcome {
	return Outcome{Verdict: PermanentFailure, Err: err}
}
