// Package storage persists imported crash reports, locally and at the
// error tracker.
package storage

import (
	"context"

	"github.com/roadrunner-server/errors"

	"github.com/TeamNewPipe/crash-report-importer/report"
)

// ErrAlreadyStored is returned when an entry with the same hash ID has been
// saved before. Duplicate delivery is normal, callers are expected to
// tolerate it.
var ErrAlreadyStored = errors.Str("entry already stored")

// Storage saves crash report entries.
type Storage interface {
	Save(ctx context.Context, entry *report.Entry) error
}
