// Package notifier delivers final job failures to operators.
//
// The runner hands over a job.FailureNotice exactly once per failed job.
// Notify never blocks the runner: notices go into a bounded queue drained by
// supervised workers that rate limit, retry with jittered backoff and drop
// repeats inside the dedup window.
//
// # Sinks
//
// Delivery is delegated to a Sink. LogSink writes a structured warning;
// WebhookSink POSTs the notice as JSON. Delivery errors are logged and
// published on the event bus; they never affect job state.
//
// When the service is disabled or stopped, notices are still logged.
package notifier
