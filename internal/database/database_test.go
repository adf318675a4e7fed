package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/config"
)

type rosterRow struct {
	ID   uint
	Name string
}

func TestOpenSharesPoolBetweenLayers(t *testing.T) {
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "certs.db")}

	h, err := Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Gorm.AutoMigrate(&rosterRow{}))
	require.NoError(t, h.Gorm.Create(&rosterRow{Name: "roster"}).Error)

	var name string
	require.NoError(t, h.SQLX.GetContext(ctx, &name, "SELECT name FROM roster_rows LIMIT 1"))
	assert.Equal(t, "roster", name)
}

func TestOpenGormRejectsUnknownDriver(t *testing.T) {
	_, err := OpenGorm(nil, "mysql")
	assert.Error(t, err)
}
