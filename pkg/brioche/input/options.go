package input

import "github.com/brioche-run/brioche-core/pkg/brioche/value"

// Options configures a single call to CreateInput.
type Options struct {
	// InputPath is the host filesystem path to ingest.
	InputPath string
	// RemoveInput, if set, removes each successfully-ingested path after
	// its content is durably saved.
	RemoveInput bool
	// ResourcesDir, if non-empty, enables packed-executable resource
	// collection: referenced resource paths are resolved relative to it.
	ResourcesDir string
	// Meta is attached to the resulting value for diagnostics.
	Meta *value.Meta
}
