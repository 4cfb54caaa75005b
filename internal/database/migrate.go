// Package database はPostgreSQL接続と、バイナリに埋め込んだスキーマのマイグレーションを扱う。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationKind はmigrateサブコマンドの操作種別。
type MigrationKind string

const (
	MigrateUp      MigrationKind = "up"
	MigrateDown    MigrationKind = "down"
	MigrateVersion MigrationKind = "version"
)

// MigrationOp はマイグレーション操作。StepsはMigrateDownで戻すバージョン数。
type MigrationOp struct {
	Kind  MigrationKind
	Steps int
}

// Validate は操作が実行可能かを検査する。DBに接続する前に呼ばれる。
func (op MigrationOp) Validate() error {
	switch op.Kind {
	case MigrateUp, MigrateVersion:
		return nil
	case MigrateDown:
		if op.Steps <= 0 {
			return fmt.Errorf("migrate down requires a positive step count, got %d", op.Steps)
		}
		return nil
	default:
		return fmt.Errorf("unknown migration operation %q", op.Kind)
	}
}

// MigrationStatus は操作後のスキーマバージョン。
// Versionが0かつDirtyがfalseの場合は未適用。
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Changed bool
}

// NewMigrator は埋め込みSQLをソースとするmigrateインスタンスを生成する。
// 進捗はslogへ出力する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = slogMigrateLogger{}

	return m, nil
}

// Migrate はopを実行し、実行後のバージョンを返す。
// 適用済みのupや戻す対象のないdownは変更なしとして成功扱いにする。
func Migrate(databaseURL string, op MigrationOp) (MigrationStatus, error) {
	if err := op.Validate(); err != nil {
		return MigrationStatus{}, err
	}

	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()

	var runErr error
	switch op.Kind {
	case MigrateUp:
		runErr = m.Up()
	case MigrateDown:
		runErr = m.Steps(-op.Steps)
	}

	status := MigrationStatus{Changed: op.Kind != MigrateVersion}
	switch {
	case errors.Is(runErr, migrate.ErrNoChange):
		status.Changed = false
	case runErr != nil:
		return status, fmt.Errorf("failed to run migration %s: %w", op.Kind, runErr)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return status, fmt.Errorf("failed to read schema version: %w", err)
	}
	status.Version = version
	status.Dirty = dirty
	return status, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用する。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(databaseURL, MigrationOp{Kind: MigrateUp})
	return err
}

// slogMigrateLogger はgolang-migrateのログをslogへ流す。
type slogMigrateLogger struct{}

func (slogMigrateLogger) Printf(format string, v ...interface{}) {
	slog.Info("migrate", slog.String("message", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (slogMigrateLogger) Verbose() bool { return false }
