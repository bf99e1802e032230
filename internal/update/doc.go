// Package update keeps an application's content in step with a remote release.
//
// This package handles:
//   - Comparing dotted-numeric versions
//   - Reseeding the staging directory from the baseline shipped with the binary
//   - Diffing the local file list against the remote one
//   - Downloading changed files with byte-accurate progress
//
// A Client moves through Idle -> Checking -> {UpToDate, UpdateAvailable,
// MustReinstall, CheckFailed}, and from UpdateAvailable through Applying to
// Applied or ApplyFailed. One session per staging directory runs at a time.
//
// Example usage:
//
//	client := update.NewClient(baselineDir)
//	res := client.Check(ctx, patchDir)
//	if res.Outcome == update.UpdateAvailable {
//	    _, err := client.Apply(ctx, func(p float64) { /* render */ })
//	    // a failed Apply is retried by the next Check/Apply cycle
//	}
package update
