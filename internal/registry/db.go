package registry

import (
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open picks sqlite (single-instance/dev) or postgres (multi-instance,
// per spec.md section 4.6's "shared across server instances") based on a
// DSN prefix, mirroring the teacher's pattern of selecting a driver by
// environment rather than compiling two binaries.
func Open(dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if dsn == "" || dsn == "sqlite" {
		dsn = "file:meetcore.db?mode=rwc&_journal_mode=WAL"
	}
	if isPostgresDSN(dsn) {
		return gorm.Open(postgres.Open(dsn), gcfg)
	}
	return gorm.Open(sqlite.Open(dsn), gcfg)
}

func isPostgresDSN(dsn string) bool {
	for _, prefix := range []string{"postgres://", "postgresql://", "host="} {
		if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
