package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupRecorder(t *testing.T) (Recorder, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	rec, err := NewRecorder(db, zap.NewNop())
	require.NoError(t, err)
	return rec, db
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	rec, _ := setupRecorder(t)

	rec.Record(ctx, Entry{CertificateID: "cert-1", Action: ActionSign, Actor: "a@example.com", Outcome: OutcomeSucceeded},
		map[string]string{"documentRef": "s3://bucket/certificates/cert-1.pdf"})
	rec.Record(ctx, Entry{CertificateID: "cert-2", Action: ActionVerify, Outcome: OutcomeFailed}, nil)

	entries, err := rec.List(ctx, Query{CertificateID: "cert-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionSign, entries[0].Action)

	var details map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Details, &details))
	assert.Equal(t, "s3://bucket/certificates/cert-1.pdf", details["documentRef"])

	entries, err = rec.List(ctx, Query{Action: ActionVerify})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordSwallowsFailures(t *testing.T) {
	rec, db := setupRecorder(t)
	require.NoError(t, db.Migrator().DropTable(&Entry{}))

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), Entry{Action: ActionSign, Outcome: OutcomeFailed}, nil)
	})
}
