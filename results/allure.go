package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

const allureArchive = "allure-report.zip"

// AllureUploader pushes allure-result/allure-report.zip to object storage.
// Cases without an archive are skipped.
type AllureUploader struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

func NewAllureUploader(store ObjectStore, bucket, prefix string) *AllureUploader {
	return &AllureUploader{store: store, bucket: bucket, prefix: prefix, now: time.Now}
}

func (u *AllureUploader) Name() string { return "allure" }

// Key is <prefix>/<uuid>-<unix seconds>/allure-report.zip so reruns of the
// same uuid do not overwrite each other.
func (u *AllureUploader) Key(id string, at time.Time) string {
	return path.Join(u.prefix, fmt.Sprintf("%s-%d", id, at.Unix()), allureArchive)
}

func (u *AllureUploader) Collect(ctx context.Context, dirs evaluation.CaseDirs) error {
	archive := filepath.Join(dirs.Allure, allureArchive)
	if _, err := os.Stat(archive); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := u.store.EnsureBucket(ctx, u.bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", u.bucket, err)
	}
	key := u.Key(dirs.UUID, u.now())
	if err := u.store.PutFile(ctx, u.bucket, key, archive, "application/zip"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

var _ Collector = (*AllureUploader)(nil)
