package convert000002

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/drivesync-backend/pkg/db/migration/convert"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
)

const batchSize = 100

// ClaimLegacyFiles attributes the files synced before sources were tracked
// to their source, when a single source of the knowledge base lives on the
// file's drive. Ambiguous files keep an empty source and stay claimable by
// the next pass.
type ClaimLegacyFiles struct {
	convert.Basic
}

// Migrate implements the code migration.
func (c *ClaimLegacyFiles) Migrate() error {
	files := make([]*repository.SyncedFileModel, 0, batchSize)
	q := c.DB.Select("uid", "kb_uid", "drive_id").
		Where("source_item_id = ?", "")

	claimed := 0
	err := q.FindInBatches(&files, batchSize, func(_ *gorm.DB, _ int) error {
		for _, f := range files {
			var owners []string
			err := c.DB.Model(&repository.SourceModel{}).
				Where("kb_uid = ? AND drive_id = ?", f.KBUID, f.DriveID).
				Pluck("item_id", &owners).Error
			if err != nil {
				return fmt.Errorf("finding sources of file %s: %w", f.UID, err)
			}
			if len(owners) != 1 {
				continue
			}

			err = c.DB.Model(&repository.SyncedFileModel{}).
				Where("uid = ?", f.UID).
				Update("source_item_id", owners[0]).Error
			if err != nil {
				return fmt.Errorf("updating record %s: %w", f.UID, err)
			}
			claimed++
		}
		return nil
	}).Error
	if err != nil {
		return err
	}

	c.Logger.Info("Claimed legacy synced files", zap.Int("files", claimed))
	return nil
}
