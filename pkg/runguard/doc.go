// Package runguard provides the library API for guarding recurring jobs so
// that at most one execution of each is in flight on a host.
//
// This package is the integration point for Go programs that run their own
// commands (a cobra CLI, a scheduler loop) instead of wrapping an external
// process with the runguard binary. It wraps the internal packages into a
// small, stable API.
//
// # Concurrency Safety
//
//   - Leases are files in the lockfile directory; exclusion holds between
//     processes sharing that directory on one host.
//
//   - A Client is safe for concurrent use. Two goroutines running the same
//     command exclude each other exactly like two processes do.
//
//   - Run never waits for a lease. A blocked execution returns at once with
//     an error for which IsBlocked reports true.
//
// # Recommended Usage Pattern
//
//	client, err := runguard.Open(runguard.Options{})
//	cmd, err := client.Register(runguard.DescribeType(&ReportCommand{}))
//	err = client.Run(ctx, cmd, func(ctx context.Context) error {
//	    return sendReports(ctx)
//	})
//	if runguard.IsBlocked(err) {
//	    return nil // another execution is still running
//	}
package runguard
