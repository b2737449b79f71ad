// Package testutil sets up throwaway databases for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bluesky-social/cirrus/models"
	"github.com/bluesky-social/cirrus/util/cliutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupDB opens a fresh sqlite database in a temp dir with the shared models migrated.
// sqlite runs with a single connection, so code under test must only use the
// transaction handle while a transaction is open.
func SetupDB(t testing.TB, extra ...any) *gorm.DB {
	t.Helper()

	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "test.sqlite"), 1)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	if len(extra) > 0 {
		require.NoError(t, db.AutoMigrate(extra...))
	}

	t.Cleanup(func() {
		if sqldb, err := db.DB(); err == nil {
			sqldb.Close()
		}
	})
	return db
}

// Clock hands out strictly increasing timestamps.
type Clock struct {
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}
