package blob

import "github.com/brioche-run/brioche-core/pkg/brioche/types"

// SaveOptions configures a save-blob call, built with functional options in
// the style used throughout this codebase (see storectx.Option).
type SaveOptions struct {
	expectedHash *types.Hash
	onProgress   func(totalBytesRead int) error
	removeInput  bool
}

// NewSaveOptions returns the zero-value SaveOptions: no validation hash, no
// progress callback, input left in place.
func NewSaveOptions() SaveOptions {
	return SaveOptions{}
}

// WithExpectedHash declares that the saved content is expected to validate
// against hash under hash.Algorithm; on mismatch the save fails and no alias
// is recorded.
func (o SaveOptions) WithExpectedHash(hash *types.Hash) SaveOptions {
	o.expectedHash = hash
	return o
}

// WithOnProgress registers a callback invoked after every chunk read by
// SaveBlobFromReader with the cumulative byte count. Only meaningful for the
// streaming-reader variant; SaveBlob and SaveBlobFromFile never call it.
func (o SaveOptions) WithOnProgress(onProgress func(totalBytesRead int) error) SaveOptions {
	o.onProgress = onProgress
	return o
}

// WithRemoveInput requests that the input be removed once its content is
// durably saved. Not valid for SaveBlobFromReader (there is no file to
// remove).
func (o SaveOptions) WithRemoveInput(removeInput bool) SaveOptions {
	o.removeInput = removeInput
	return o
}
