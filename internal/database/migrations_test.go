package database

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/baraziliya/rank/backend/internal/users"
)

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected an error for an empty database path")
	}
}

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	closeDatabase(t, db)

	db, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	defer closeDatabase(t, db)

	for _, table := range []string{"accounts", "players", "matches", "match_confirmations", "rating_deltas", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestMigrationNormalizesLegacyUsernames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank.db")

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := db.AutoMigrate(&users.Account{}, &migrationRecord{}); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}
	legacy := users.Account{
		AccountID:    "acct-1",
		Username:     "  MixedCase ",
		PasswordHash: "hash",
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	closeDatabase(t, db)

	db, err = OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer closeDatabase(t, db)

	var account users.Account
	if err := db.Where("account_id = ?", "acct-1").Take(&account).Error; err != nil {
		t.Fatalf("failed to reload account: %v", err)
	}
	if account.Username != "mixedcase" {
		t.Fatalf("expected normalized username, got %q", account.Username)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationNormalizeUsernames).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected recorded application time")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	var first migrationRecord
	if err := db.Where("name = ?", migrationNormalizeUsernames).Take(&first).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
	closeDatabase(t, db)

	db, err = OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	defer closeDatabase(t, db)

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationNormalizeUsernames).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, got %d", count)
	}

	var second migrationRecord
	if err := db.Where("name = ?", migrationNormalizeUsernames).Take(&second).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if second.AppliedAtSeconds != first.AppliedAtSeconds {
		t.Fatalf("reopen must not reapply the migration")
	}
}

func closeDatabase(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}
}
