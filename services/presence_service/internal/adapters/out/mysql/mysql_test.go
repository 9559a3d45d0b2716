package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestListFriendIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFriendshipRepositoryMySQL(db)

	mock.ExpectQuery("SELECT CASE WHEN requester_id = (.+) FROM `friendships`").
		WillReturnRows(sqlmock.NewRows([]string{"friend_id"}).AddRow("f1").AddRow("f2"))

	ids, err := repo.ListFriendIDs(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPresenceRecordGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPresenceRecordRepositoryMySQL(db)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM `presence_records` WHERE user_id = (.+)").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "custom_status", "updated_at"}).
			AddRow("u1", "DND", "busy", now))

	rec, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, entity.StatusDND, rec.Status)
	assert.Equal(t, "busy", rec.CustomStatus)

	mock.ExpectQuery("SELECT \\* FROM `presence_records`").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "custom_status", "updated_at"}))

	rec, err = repo.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPresenceRecordUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPresenceRecordRepositoryMySQL(db)

	mock.ExpectExec("INSERT INTO `presence_records` (.+) ON DUPLICATE KEY UPDATE `status`=VALUES\\(`status`\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpsertStatus(context.Background(), "u1", entity.StatusIdle))

	mock.ExpectExec("INSERT INTO `presence_records` (.+) ON DUPLICATE KEY UPDATE `custom_status`=VALUES\\(`custom_status`\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetCustomStatus(context.Background(), "u1", "lunch"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
