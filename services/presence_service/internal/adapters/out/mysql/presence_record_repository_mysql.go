package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// PresenceRecordModel 持久化的展示状态和自定义文案
type PresenceRecordModel struct {
	UserID       string    `gorm:"column:user_id;type:varchar(36);primaryKey"`
	Status       string    `gorm:"column:status;type:varchar(16);not null;default:ONLINE"`
	CustomStatus string    `gorm:"column:custom_status;type:varchar(128);not null;default:''"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (PresenceRecordModel) TableName() string {
	return "presence_records"
}

func (m *PresenceRecordModel) toEntity() *entity.PresenceRecord {
	status, err := entity.ParseUserStatus(m.Status)
	if err != nil {
		status = ""
	}
	return &entity.PresenceRecord{
		UserID:       m.UserID,
		Status:       status,
		CustomStatus: m.CustomStatus,
		UpdatedAt:    m.UpdatedAt,
	}
}

type PresenceRecordRepositoryMySQL struct {
	db *gorm.DB
}

func NewPresenceRecordRepositoryMySQL(db *gorm.DB) out.PresenceRecordRepository {
	return &PresenceRecordRepositoryMySQL{db: db}
}

func (r *PresenceRecordRepositoryMySQL) UpsertStatus(ctx context.Context, userID string, status entity.UserStatus) error {
	model := PresenceRecordModel{UserID: userID, Status: string(status), UpdatedAt: time.Now()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("upsert presence status %s: %w", userID, err)
	}
	return nil
}

func (r *PresenceRecordRepositoryMySQL) SetCustomStatus(ctx context.Context, userID, customStatus string) error {
	model := PresenceRecordModel{
		UserID:       userID,
		Status:       string(entity.StatusOnline),
		CustomStatus: customStatus,
		UpdatedAt:    time.Now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"custom_status", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("set custom status %s: %w", userID, err)
	}
	return nil
}

func (r *PresenceRecordRepositoryMySQL) Get(ctx context.Context, userID string) (*entity.PresenceRecord, error) {
	var model PresenceRecordModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence record %s: %w", userID, err)
	}
	return model.toEntity(), nil
}
