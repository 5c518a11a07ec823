// Package migrations contains database migration definitions and functionality for fieldsync.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				// Create all tables and indexes in a single transaction
				_, err := tx.Exec(ctx, `
					-- Synchronized records for all entities. The (updated_at, id)
					-- pair drives keyset pagination of delta pulls and must be
					-- immutable once assigned; an update assigns a new updated_at.
					CREATE TABLE records (
						id text NOT NULL,
						entity text NOT NULL,
						owner_id text NOT NULL,
						payload jsonb NOT NULL,
						active boolean NOT NULL DEFAULT true,
						parent_entity text,
						parent_id text,
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						updated_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY(entity, id)
					);

					-- Append-only ledger of mutation outcomes. The primary key on
					-- mutation_id is the exactly-once guarantee: a replayed push
					-- hits the conflict path and reads the stored outcome back.
					CREATE TABLE processed_mutations (
						mutation_id text PRIMARY KEY,
						owner_id text NOT NULL,
						entity text NOT NULL,
						entity_id text NOT NULL,
						action text NOT NULL,
						status text NOT NULL,
						error text,
						result jsonb,
						created_at timestamp with time zone NOT NULL DEFAULT now()
					);

					-- Performance indexes
					CREATE INDEX idx_records_delta ON records(entity, owner_id, updated_at, id);
					CREATE INDEX idx_records_parent ON records(parent_entity, parent_id) WHERE parent_id IS NOT NULL;
					CREATE INDEX idx_processed_mutations_owner ON processed_mutations(owner_id, created_at);
				`)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("fieldsync_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
