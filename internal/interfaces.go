package internal

import "context"

// MetadataResolver turns a URL into a metadata record. Implementations must be
// idempotent; failures should be FetchErrors so they classify cleanly.
type MetadataResolver interface {
	Resolve(ctx context.Context, url string) (*MetadataRecord, error)
}

// TransferExecutor moves bytes for one URL, reporting progress as it goes.
// StartOffset is a hint; executors may restart from zero.
type TransferExecutor interface {
	Transfer(ctx context.Context, req *TransferRequest, onProgress ProgressFunc) (*TransferResult, error)
}

// PostProcessor transforms a finished file and returns the new path
type PostProcessor interface {
	Name() string
	Process(ctx context.Context, path string, record *MetadataRecord) (string, error)
}

// RateLimiter controls bandwidth usage
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
