// Package storage persists the relay's conversations and messages in
// PostgreSQL and keeps presence and per-conversation sequence numbers in
// Redis.
package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	onlineUsersKey = "online_users"
	lastSeenPrefix = "last_seen:"
	convSeqPrefix  = "conv_seq:"
)

type Storage interface {
	SaveUser(ctx context.Context, user *models.User) error

	EnsureConversation(ctx context.Context, conv *models.ConversationRecord) error
	GetConversation(ctx context.Context, id string) (*models.ConversationRecord, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationRecord, error)

	NextSeq(ctx context.Context, conversationID string) (int64, error)
	SaveMessage(ctx context.Context, msg *models.MessageRecord) error
	FindByClientID(ctx context.Context, senderID, clientMessageID string) (*models.MessageRecord, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error)
	MarkDelivered(ctx context.Context, conversationID, messageID string) error
	MarkRead(ctx context.Context, conversationID, readerID, upToMessageID string) (int64, error)

	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, error)
}

type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	log   *logrus.Entry
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client, log *logrus.Entry) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
		log:   log,
	}
}

// Migrate creates or updates the relay tables.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(&models.User{}, &models.ConversationRecord{}, &models.MessageRecord{})
}

// SaveUser upserts the user row, keeping LastSeen if the caller left it zero.
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name"}),
		}).
		Create(user).Error
}

// EnsureConversation creates the registry row on first use and refreshes
// names and product name afterwards.
func (s *Service) EnsureConversation(ctx context.Context, conv *models.ConversationRecord) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = conv.CreatedAt
	}
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"participant_names", "product_name"}),
		}).
		Create(conv).Error
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", conv.ID).Error("failed to save conversation")
		return apperr.Internal("save conversation", err)
	}
	return nil
}

func (s *Service) GetConversation(ctx context.Context, id string) (*models.ConversationRecord, error) {
	var conv models.ConversationRecord
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("conversation", err)
	}
	if err != nil {
		return nil, apperr.Internal("load conversation", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationRecord, error) {
	var convs []models.ConversationRecord
	err := s.DB.WithContext(ctx).
		Where("? = ANY(participant_ids)", userID).
		Order("last_activity desc").
		Find(&convs).Error
	if err != nil {
		return nil, apperr.Internal("list conversations", err)
	}
	return convs, nil
}

// NextSeq hands out the next per-conversation sequence number.
func (s *Service) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	seq, err := s.Redis.Incr(ctx, convSeqPrefix+conversationID).Result()
	if err != nil {
		return 0, apperr.Internal("next sequence", err)
	}
	return seq, nil
}

// SaveMessage inserts the message and bumps the conversation's activity in
// one transaction.
func (s *Service) SaveMessage(ctx context.Context, msg *models.MessageRecord) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.ConversationRecord{}).
			Where("id = ?", msg.ConversationID).
			Update("last_activity", msg.CreatedAt).Error
	})
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", msg.ConversationID).Error("failed to save message")
		return apperr.Internal("save message", err)
	}
	return nil
}

// FindByClientID returns the message a sender already submitted under
// clientMessageID, or nil.
func (s *Service) FindByClientID(ctx context.Context, senderID, clientMessageID string) (*models.MessageRecord, error) {
	var msg models.MessageRecord
	err := s.DB.WithContext(ctx).
		Where("sender_id = ? AND client_message_id = ?", senderID, clientMessageID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("find message", err)
	}
	return &msg, nil
}

// GetMessages returns the newest limit messages in acceptance order.
func (s *Service) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	var msgs []models.MessageRecord
	err := s.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, apperr.Internal("load messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Service) MarkDelivered(ctx context.Context, conversationID, messageID string) error {
	err := s.DB.WithContext(ctx).Model(&models.MessageRecord{}).
		Where("conversation_id = ? AND id = ? AND status = ?", conversationID, messageID, models.StatusSent.String()).
		Update("status", models.StatusDelivered.String()).Error
	if err != nil {
		return apperr.Internal("mark delivered", err)
	}
	return nil
}

// MarkRead moves every message addressed to readerID up to and including
// upToMessageID to read. It returns the number of rows changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID, upToMessageID string) (int64, error) {
	var upTo models.MessageRecord
	err := s.DB.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, upToMessageID).
		First(&upTo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, apperr.NotFound("message", err)
	}
	if err != nil {
		return 0, apperr.Internal("mark read", err)
	}

	res := s.DB.WithContext(ctx).Model(&models.MessageRecord{}).
		Where("conversation_id = ? AND recipient_id = ? AND seq <= ? AND status <> ?",
			conversationID, readerID, upTo.Seq, models.StatusRead.String()).
		Update("status", models.StatusRead.String())
	if res.Error != nil {
		return 0, apperr.Internal("mark read", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Service) SetOnline(ctx context.Context, userID string) error {
	return s.Redis.SAdd(ctx, onlineUsersKey, userID).Err()
}

// SetOffline removes the user from the online set and records when they
// were last seen.
func (s *Service) SetOffline(ctx context.Context, userID string, at time.Time) error {
	pipe := s.Redis.TxPipeline()
	pipe.SRem(ctx, onlineUsersKey, userID)
	pipe.Set(ctx, lastSeenPrefix+userID, at.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_seen", at).Error
}

func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.Redis.SIsMember(ctx, onlineUsersKey, userID).Result()
}

// LastSeen returns the zero time for users never seen going offline.
func (s *Service) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	raw, err := s.Redis.Get(ctx, lastSeenPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}
