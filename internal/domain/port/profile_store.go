package port

import (
	"context"

	"github.com/portrelay/portrelay/internal/domain/model"
)

// ProfileStore persists the profile document as a single unit
type ProfileStore interface {
	// Load reads the document. It fails with model.ErrConfigNotFound when the
	// file is absent and model.ErrConfigParse when it is malformed.
	Load(ctx context.Context) (model.ProfileDocument, error)

	// Save requests a write of doc and returns at once. The channel receives
	// exactly one outcome. A save issued while a write is in flight supersedes
	// any earlier queued document.
	Save(doc model.ProfileDocument) <-chan error

	// Path returns the location of the document
	Path() string
}
