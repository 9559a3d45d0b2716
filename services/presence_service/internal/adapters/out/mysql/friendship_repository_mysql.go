package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

const FriendshipAccepted = "ACCEPTED"

// FriendshipModel 好友关系表，由关系服务维护，这里只读
type FriendshipModel struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	RequesterID string    `gorm:"column:requester_id;type:varchar(36);not null;index"`
	AddresseeID string    `gorm:"column:addressee_id;type:varchar(36);not null;index"`
	Status      string    `gorm:"column:status;type:varchar(16);not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (FriendshipModel) TableName() string {
	return "friendships"
}

type FriendshipRepositoryMySQL struct {
	db *gorm.DB
}

func NewFriendshipRepositoryMySQL(db *gorm.DB) out.FriendshipRepository {
	return &FriendshipRepositoryMySQL{db: db}
}

// ListFriendIDs 双向查询已接受的好友
func (r *FriendshipRepositoryMySQL) ListFriendIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&FriendshipModel{}).
		Select("CASE WHEN requester_id = ? THEN addressee_id ELSE requester_id END", userID).
		Where("(requester_id = ? OR addressee_id = ?) AND status = ?", userID, userID, FriendshipAccepted).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("list friends of %s: %w", userID, err)
	}
	return ids, nil
}
