// Package migrate applies the ClickHouse schema for the points table.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
func (m *migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mig *migrate.Migrate) error {
		return mig.Up()
	})
}

// Down rolls back the last migration.
func (m *migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mig *migrate.Migrate) error {
		return mig.Steps(-1)
	})
}

// Status returns the current migration version. A schema with no applied
// migration reports version 0.
func (m *migrator) Status(_ context.Context) (uint, bool, error) {
	mig, err := m.newMigrate()
	if err != nil {
		return 0, false, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("reading points schema version: %w", err)
	}

	return version, dirty, nil
}

// run executes step against the points schema. Cancelling ctx asks
// migrate to stop after the migration in progress.
func (m *migrator) run(ctx context.Context, direction string, step func(*migrate.Migrate) error) error {
	mig, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer mig.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			mig.GracefulStop <- true
		case <-done:
		}
	}()

	log := m.log.WithField("direction", direction)
	log.Info("Migrating points schema")

	if err := step(mig); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("Points schema already up to date")

			return nil
		}

		return fmt.Errorf("migrating points schema %s: %w", direction, err)
	}

	version, dirty, _ := mig.Version()
	log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Points schema migrated")

	return nil
}

// withMultiStatement enables ClickHouse multi-statement support on dsn.
func withMultiStatement(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "x-multi-statement=true"
}

// newMigrate creates a new migrate instance.
func (m *migrator) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", source, withMultiStatement(m.dsn))
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}
