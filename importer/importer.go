// Package importer wires the import pipeline: parse a spooled mail, build
// the report entry and deliver it to the on-disk storage plus the ingestion
// destination for the reporting app's package.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TeamNewPipe/crash-report-importer/lmtp"
	"github.com/TeamNewPipe/crash-report-importer/message"
	"github.com/TeamNewPipe/crash-report-importer/report"
	"github.com/TeamNewPipe/crash-report-importer/storage"
)

// ErrUnknownPackage means the payload names an app package no destination is
// configured for.
var ErrUnknownPackage = errors.New("unknown package")

// Importer routes parsed crash reports to their storages.
type Importer struct {
	directory    *storage.DirectoryStorage
	destinations map[string]storage.Storage
	log          *zap.Logger

	// injectable for tests
	now func() time.Time
}

// New creates an Importer. destinations maps app package names to their
// ingestion storage.
func New(directory *storage.DirectoryStorage, destinations map[string]storage.Storage, log *zap.Logger) *Importer {
	return &Importer{
		directory:    directory,
		destinations: destinations,
		log:          log,
		now:          time.Now,
	}
}

// Handle imports one delivered mail. It satisfies lmtp.Handler.
func (i *Importer) Handle(ctx context.Context, env *lmtp.Envelope) error {
	log := i.log.With(zap.String("tx", env.ID))
	log.Info("handling mail")

	msg, err := message.Parse(env.Raw)
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	to := ""
	if len(env.To) > 0 {
		to = env.To[0]
	}

	entry, err := report.NewEntry(msg, env.From, to)
	if err != nil {
		return fmt.Errorf("build entry: %w", err)
	}

	log.Info("entry parsed",
		zap.Time("date", entry.Date),
		zap.String("hash_id", entry.HashID()),
	)

	if entry.Date.After(i.now()) {
		return fmt.Errorf("report %s is dated in the future (%s)", entry.HashID(), entry.Date)
	}

	if err := i.directory.Save(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyStored) {
			log.Warn("already stored in directory storage, skipping")
		} else {
			return fmt.Errorf("directory storage: %w", err)
		}
	}

	pkg := entry.Package()
	destination, ok := i.destinations[pkg]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPackage, pkg)
	}

	if err := destination.Save(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyStored) {
			log.Warn("already stored at ingestion destination, skipping")
			return nil
		}
		return fmt.Errorf("ingestion destination %q: %w", pkg, err)
	}

	log.Info("report imported", zap.String("package", pkg))
	return nil
}
