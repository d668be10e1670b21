// Package retry provides exponential backoff retry for calls to external
// collaborators: the certificate authority RPC from the node driver and CA
// material fetches at authority startup.
//
// Execute an operation with retry:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return fetch(ctx)
//	}, &retry.Options{
//	    Operation:   "load_ca",
//	    ShouldRetry: retry.IsTransient,
//	})
package retry
