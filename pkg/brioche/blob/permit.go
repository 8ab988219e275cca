package blob

import "context"

// maxConcurrentSaves bounds the number of save-blob operations (of any
// variant) that may be in flight at once, limiting concurrent disk writers.
const maxConcurrentSaves = 10

var saveSemaphore = make(chan struct{}, maxConcurrentSaves)

// SavePermit must be held for the entire duration of a save-blob call. It is
// acquired from a fixed-size pool (AcquireSaveBlobPermit) and released
// exactly once.
type SavePermit struct {
	released bool
}

// AcquireSaveBlobPermit blocks until one of the fixed pool of save permits
// is available, or ctx is done.
func AcquireSaveBlobPermit(ctx context.Context) (*SavePermit, error) {
	select {
	case saveSemaphore <- struct{}{}:
		return &SavePermit{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns the permit to the pool. Calling Release more than once is
// a no-op.
func (p *SavePermit) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	<-saveSemaphore
}
