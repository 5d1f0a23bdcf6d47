package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

// Notification is one in-app message for one recipient. Delivery to the
// notification service happens asynchronously via NotificationOutboxRecord.
type Notification struct {
	ID            int                       `gorm:"primary_key" json:"id"`
	UserId        int                       `gorm:"not null;index" json:"user_id"`
	Type          NotificationType          `gorm:"size:50;not null" json:"type"`
	ReferenceType NotificationReferenceType `gorm:"size:20;not null;index:idx_notification_ref" json:"reference_type"`
	ReferenceId   int                       `gorm:"not null;index:idx_notification_ref" json:"reference_id"`
	Message       string                    `gorm:"type:text;not null" json:"message"`
	SendEmail     bool                      `gorm:"not null;default:false" json:"send_email"`
	ReadAt        *time.Time                `json:"read_at"`
	CreatedAt     time.Time                 `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time                 `gorm:"autoUpdateTime" json:"updated_at"`
}

// NotificationOutboxRecord is written in the same transaction as the
// notifications it fans out. Publish to Pub/Sub happens after commit via the
// dispatcher.
type NotificationOutboxRecord struct {
	ID            int                       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	Type          NotificationType          `gorm:"size:50;not null" json:"type"`
	ReferenceType NotificationReferenceType `gorm:"size:20;not null" json:"reference_type"`
	ReferenceId   int                       `gorm:"not null" json:"reference_id"`
	UserIds       []byte                    `gorm:"type:blob" json:"user_ids"`
	Message       string                    `gorm:"type:text;not null" json:"message"`
	SendEmail     bool                      `gorm:"not null;default:false" json:"send_email"`
	OccurredAt    time.Time                 `gorm:"not null" json:"occurred_at"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToNotificationMessage(record NotificationOutboxRecord) config.NotificationMessage {
	var userIds []int
	if err := utils.UnmarshalFromJSON(record.UserIds, &userIds); err != nil {
		userIds = []int{}
	}
	return config.NotificationMessage{
		ID:            record.ID,
		UserIds:       userIds,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Type:          string(record.Type),
		Message:       record.Message,
		SendEmail:     record.SendEmail,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}

// NewNotificationInput describes one fan-out: every user holding one of the
// given roles receives the message, plus any explicitly listed users.
type NewNotificationInput struct {
	Roles         []UserRole
	UserIds       []int
	Type          NotificationType
	ReferenceType NotificationReferenceType
	ReferenceId   int
	Message       string
	SendEmail     bool
}

// NotifyUsersInTx creates the per-user notifications and the outbox record
// inside the caller's transaction. Notification problems never fail the
// business operation: resolution errors are logged and swallowed.
func NotifyUsersInTx(ctx context.Context, tx *gorm.DB, input NewNotificationInput) {
	logger := config.GetLogger()

	userIds, err := GetUserIdsByRoles(ctx, tx, input.Roles...)
	if err != nil {
		config.LogError(logger, "notification", "NotifyUsersInTx", "resolve recipients", nil, err)
		return
	}
	userIds = utils.UniqueSlice(append(userIds, input.UserIds...))
	if len(userIds) == 0 {
		return
	}

	notifications := make([]Notification, 0, len(userIds))
	for _, userId := range userIds {
		notifications = append(notifications, Notification{
			UserId:        userId,
			Type:          input.Type,
			ReferenceType: input.ReferenceType,
			ReferenceId:   input.ReferenceId,
			Message:       input.Message,
			SendEmail:     input.SendEmail,
		})
	}
	if err := tx.WithContext(ctx).Create(&notifications).Error; err != nil {
		config.LogError(logger, "notification", "NotifyUsersInTx", "create notifications", nil, err)
		return
	}

	payload, err := utils.MarshalToJSON(userIds)
	if err != nil {
		config.LogError(logger, "notification", "NotifyUsersInTx", "marshal recipients", nil, err)
		return
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	record := NotificationOutboxRecord{
		Type:          input.Type,
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		UserIds:       []byte(payload),
		Message:       input.Message,
		SendEmail:     input.SendEmail,
		OccurredAt:    time.Now(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		config.LogError(logger, "notification", "NotifyUsersInTx", "create outbox record", nil, err)
	}
}

func notificationCacheKey(userId int, unreadOnly bool) string {
	if unreadOnly {
		return fmt.Sprintf("notifications:user:%d:unread", userId)
	}
	return fmt.Sprintf("notifications:user:%d", userId)
}

// MarkNotificationRead stamps the read time. Reading twice keeps the first
// timestamp.
func MarkNotificationRead(ctx context.Context, id int, userId int) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ? AND read_at IS NULL", id, userId).
		Update("read_at", time.Now()).Error
	if err != nil {
		return err
	}
	_ = config.RemoveRedisKey(notificationCacheKey(userId, false), notificationCacheKey(userId, true))
	return nil
}

// GetNotifications lists a user's notifications, newest first. The driver app
// polls this; a short redis cache keeps the polling off MySQL.
func GetNotifications(ctx context.Context, userId int, unreadOnly bool) ([]Notification, error) {
	cacheKey := notificationCacheKey(userId, unreadOnly)
	var cached []Notification
	if hit, err := config.GetRedisObject(cacheKey, &cached); err == nil && hit {
		return cached, nil
	}

	db := config.GetDB()
	query := db.WithContext(ctx).Where("user_id = ?", userId)
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}
	var notifications []Notification
	if err := query.Order("created_at DESC").Limit(200).Find(&notifications).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(cacheKey, notifications, 30*time.Second)
	return notifications, nil
}
