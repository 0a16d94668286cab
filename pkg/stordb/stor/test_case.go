package stor

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/strandcloud/strand/pkg/stordb"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestStors opens an in-memory sqlite database, runs the migrations and
// returns the stores backed by it.
func newTestStors(t *testing.T) *Stors {
	gormLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second * 5,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		})

	db, err := gorm.Open(sqlite.Open(stordb.SqliteInMemoryDSN), &gorm.Config{Logger: gormLogger})
	require.NoErrorf(t, err, "gorm.Open failed: %s", err)

	sqlitedb, err := db.DB()
	require.NoError(t, err)

	// Set the sqlite db to 1 connection. This gets around table lock issues from
	// multiple threads.
	sqlitedb.SetMaxOpenConns(1)

	err = stordb.RunMigrations(db)
	require.NoErrorf(t, err, "Migration failed with: %s", err)

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err != nil || sqlDB == nil {
			return
		}

		_ = sqlDB.Close()
	})

	return NewGormStors(db)
}
