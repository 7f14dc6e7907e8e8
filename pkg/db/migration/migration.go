package migration

import (
	"embed"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/drivesync-backend/pkg/db/migration/convert"
	"github.com/instill-ai/drivesync-backend/pkg/db/migration/convert/convert000002"
)

// TargetSchemaVersion is the schema version the binaries expect.
const TargetSchemaVersion uint = 3

// FS holds the schema migrations, named <version>_<title>.{up,down}.sql.
//
//go:embed *.sql
var FS embed.FS

type codeMigration interface {
	Migrate() error
}

// codeMigrations maps a schema version to the code that completes it.
var codeMigrations = map[uint]func(convert.Basic) codeMigration{
	2: func(bc convert.Basic) codeMigration { return &convert000002.ClaimLegacyFiles{Basic: bc} },
}

// CodeMigrator runs the data changes that go along some schema versions,
// such as backfilling the columns a migration adds. Schema changes
// themselves belong in the SQL files.
type CodeMigrator struct {
	Logger *zap.Logger

	DB *gorm.DB
}

// Migrate runs the code of a schema version. Versions without code are a
// no-op. Each migration runs once, right after its schema step.
func (cm *CodeMigrator) Migrate(version uint) error {
	newMigration, ok := codeMigrations[version]
	if !ok {
		return nil
	}

	cm.Logger.Info("Running code migration", zap.Uint("version", version))
	return newMigration(convert.Basic{DB: cm.DB, Logger: cm.Logger}).Migrate()
}
