// Package store provides the relational persistence layer. Every query is
// tenant-scoped; repository methods reject a zero tenant id rather than risk
// returning cross-tenant rows.
package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/followup-core/internal/model"
)

// ErrTenantScope is returned when a repository call is missing its tenant id.
var ErrTenantScope = errors.New("tenant scope required")

// OpenPostgres connects to the production store.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory sqlite store. Used in tests.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema for all core tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Lead{},
		&model.ChannelIdentity{},
		&model.Message{},
		&model.ConversationSummary{},
		&model.Event{},
		&model.FollowUpSequence{},
		&model.FollowUpStep{},
		&model.SequenceState{},
		&model.StepAttempt{},
	)
}

// requireTenant guards every repository entry point.
func requireTenant(tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return ErrTenantScope
	}
	return nil
}
