package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"

	"github.com/instill-ai/drivesync-backend/config"
	"github.com/instill-ai/drivesync-backend/pkg/db/migration"

	database "github.com/instill-ai/drivesync-backend/pkg/db"
	logx "github.com/instill-ai/x/log"
)

func dbExistsOrCreate(databaseConfig config.DatabaseConfig) error {
	datasource := fmt.Sprintf("host=%s user=%s password=%s dbname=postgres port=%d sslmode=disable TimeZone=%s",
		databaseConfig.Host,
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Port,
		databaseConfig.TimeZone,
	)

	db, err := sql.Open("postgres", datasource)
	if err != nil {
		return err
	}

	defer db.Close()

	// Open() may just validate its arguments without creating a connection to the database.
	// To verify that the data source name is valid, call Ping().
	if err = db.Ping(); err != nil {
		return err
	}

	var count int
	if err := db.QueryRow("SELECT count(*) FROM pg_catalog.pg_database WHERE datname = $1;", databaseConfig.Name).Scan(&count); err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	fmt.Printf("Create database %s\n", databaseConfig.Name)
	if _, err := db.Exec(fmt.Sprintf("CREATE DATABASE %q;", databaseConfig.Name)); err != nil {
		return err
	}

	return nil
}

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(context.Background())
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	databaseConfig := config.Config.Database
	if err := dbExistsOrCreate(databaseConfig); err != nil {
		logger.Fatal("Checking database existence", zap.Error(err))
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Host,
		databaseConfig.Port,
		databaseConfig.Name,
		"sslmode=disable",
	)

	src, err := iofs.New(migration.FS, ".")
	if err != nil {
		logger.Fatal("Opening embedded migrations", zap.Error(err))
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		logger.Fatal("Creating migrator", zap.Error(err))
	}

	expectedVersion := databaseConfig.Version
	if expectedVersion == 0 {
		expectedVersion = migration.TargetSchemaVersion
	}

	curVersion, dirty, err := m.Version()
	if err != nil && curVersion != 0 {
		logger.Fatal("Reading schema version", zap.Error(err))
	}

	logger.Info("Running migration",
		zap.Uint("expectedVersion", expectedVersion),
		zap.Uint("currentVersion", curVersion),
		zap.Bool("dirty", dirty),
	)

	if dirty {
		logger.Fatal("The database's dirty flag is set, please fix it")
	}

	db, err := database.GetSharedConnection()
	if err != nil {
		logger.Fatal("Connecting to database", zap.Error(err))
	}
	defer database.Close(db)

	codeMigrator := &migration.CodeMigrator{
		Logger: logger,
		DB:     db,
	}

	step := curVersion
	for {
		if expectedVersion <= step {
			logger.Info("Migration complete", zap.Uint("version", expectedVersion))
			break
		}

		logger.Info("Step up", zap.Uint("version", step+1))
		if err := m.Steps(1); err != nil {
			logger.Fatal("Migrating schema", zap.Error(err))
		}

		if step, _, err = m.Version(); err != nil {
			logger.Fatal("Reading schema version", zap.Error(err))
		}

		if err := codeMigrator.Migrate(step); err != nil {
			logger.Fatal("Running migration code", zap.Error(err), zap.Uint("version", step))
		}
	}
}
