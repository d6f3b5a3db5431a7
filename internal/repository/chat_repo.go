package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/models"
)

// Table names carried by change events.
const (
	TableMessages     = "messages"
	TableMessageReads = "message_reads"
	TableProfiles     = "profiles"
)

// ChangePublisher receives a change event after each committed write.
type ChangePublisher interface {
	PublishChange(ctx context.Context, event backend.ChangeEvent) error
}

// ChatStore implements backend.Datastore on a GORM database. Writes are
// followed by change events so subscribers observe them like a
// change-data-capture feed.
type ChatStore struct {
	db      *gorm.DB
	changes ChangePublisher
	logger  zerolog.Logger
	now     func() time.Time
}

var _ backend.Datastore = (*ChatStore)(nil)

// NewChatStore constructs a datastore backed by GORM. changes may be nil.
func NewChatStore(db *gorm.DB, changes ChangePublisher, logger zerolog.Logger) *ChatStore {
	return &ChatStore{
		db:      db,
		changes: changes,
		logger:  logger.With().Str("component", "chat_store").Logger(),
		now:     time.Now,
	}
}

// AutoMigrate creates the backend tables.
func (s *ChatStore) AutoMigrate() error {
	return s.db.AutoMigrate(&models.Profile{}, &models.Room{}, &models.Message{}, &models.MessageRead{})
}

func (s *ChatStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Preload("Profile").
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, translate("list messages", err)
	}
	return messages, nil
}

func (s *ChatStore) InsertMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" || message.RoomID == "" {
		return backend.NewStatusError(http.StatusBadRequest, "message id and room id are required")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now().UTC()
	}

	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(message).Error; err != nil {
		return translate("insert message", err)
	}

	row := *message
	row.Profile = nil
	s.publish(ctx, TableMessages, backend.ChangeInsert, row, nil)
	return nil
}

func (s *ChatStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": content, "edited_at": editedAt})
	if result.Error != nil {
		return translate("update message", result.Error)
	}
	if result.RowsAffected == 0 {
		return backend.NewStatusError(http.StatusNotFound, "message not found")
	}

	var row models.Message
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("failed to reload edited message")
		return nil
	}
	s.publish(ctx, TableMessages, backend.ChangeUpdate, row, nil)
	return nil
}

// DeleteMessage removes a message and its read markers. Deleting an unknown
// id succeeds without publishing anything.
func (s *ChatStore) DeleteMessage(ctx context.Context, id string) error {
	var row models.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return translate("load message", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&models.MessageRead{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Message{}).Error
	})
	if err != nil {
		return translate("delete message", err)
	}

	s.publish(ctx, TableMessages, backend.ChangeDelete, nil, map[string]string{"id": row.ID, "room_id": row.RoomID})
	return nil
}

func (s *ChatStore) FindRoomByName(ctx context.Context, name string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).Where("name = ? AND kind = ?", name, models.RoomKindShared).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("find room", err)
	}
	return &room, nil
}

// CreateRoom creates a shared room. When the name is already taken the
// existing room is returned instead, so concurrent first launches converge.
func (s *ChatStore) CreateRoom(ctx context.Context, name string) (models.Room, error) {
	roomName := name
	room := models.Room{ID: uuid.NewString(), Name: &roomName, Kind: models.RoomKindShared}

	err := s.db.WithContext(ctx).Create(&room).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, findErr := s.FindRoomByName(ctx, name)
		if findErr != nil {
			return models.Room{}, findErr
		}
		if existing != nil {
			return *existing, nil
		}
	}
	if err != nil {
		return models.Room{}, translate("create room", err)
	}
	return room, nil
}

// GetOrCreateDirectRoom returns the direct room of the unordered pair
// {userID, peerID}, creating it on first use.
func (s *ChatStore) GetOrCreateDirectRoom(ctx context.Context, userID, peerID string) (string, error) {
	if userID == "" || peerID == "" {
		return "", backend.NewStatusError(http.StatusBadRequest, "both participants are required")
	}
	low, high := userID, peerID
	if high < low {
		low, high = high, low
	}

	var room models.Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := models.Room{ID: uuid.NewString(), Kind: models.RoomKindDirect, UserLow: &low, UserHigh: &high}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.Where("kind = ? AND user_low = ? AND user_high = ?", models.RoomKindDirect, low, high).First(&room).Error
	})
	if err != nil {
		return "", translate("get or create direct room", err)
	}
	return room.ID, nil
}

func (s *ChatStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := s.db.WithContext(ctx).Order("username ASC").Find(&profiles).Error; err != nil {
		return nil, translate("list profiles", err)
	}
	return profiles, nil
}

func (s *ChatStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get profile", err)
	}
	return &profile, nil
}

func (s *ChatStore) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	if profile.ID == "" {
		return backend.NewStatusError(http.StatusBadRequest, "profile id is required")
	}
	profile.UpdatedAt = s.now().UTC()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "avatar_url", "updated_at"}),
	}).Create(profile).Error
	if err != nil {
		return translate("upsert profile", err)
	}

	s.publish(ctx, TableProfiles, backend.ChangeUpdate, profile, nil)
	return nil
}

// UpsertReads records read markers; markers that already exist are left
// untouched and produce no change event.
func (s *ChatStore) UpsertReads(ctx context.Context, reads []models.MessageRead) error {
	if len(reads) == 0 {
		return nil
	}

	inserted := make([]models.MessageRead, 0, len(reads))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, read := range reads {
			row := read
			if row.ReadAt.IsZero() {
				row.ReadAt = s.now().UTC()
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				inserted = append(inserted, row)
			}
		}
		return nil
	})
	if err != nil {
		return translate("upsert reads", err)
	}

	for _, row := range inserted {
		s.publish(ctx, TableMessageReads, backend.ChangeInsert, row, nil)
	}
	return nil
}

func (s *ChatStore) ListReads(ctx context.Context, messageIDs []string) ([]models.MessageRead, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var reads []models.MessageRead
	if err := s.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Find(&reads).Error; err != nil {
		return nil, translate("list reads", err)
	}
	return reads, nil
}

// MarkRoomMessagesRead marks every message of the room not authored by userID as read by userID.
func (s *ChatStore) MarkRoomMessagesRead(ctx context.Context, roomID, userID string) error {
	var messageIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("room_id = ? AND (user_id IS NULL OR user_id <> ?)", roomID, userID).
		Pluck("id", &messageIDs).Error
	if err != nil {
		return translate("list room messages", err)
	}

	reads := make([]models.MessageRead, 0, len(messageIDs))
	for _, id := range messageIDs {
		reads = append(reads, models.MessageRead{MessageID: id, UserID: userID})
	}
	return s.UpsertReads(ctx, reads)
}

func (s *ChatStore) publish(ctx context.Context, table string, kind backend.ChangeType, newRow, oldRow interface{}) {
	if s.changes == nil {
		return
	}

	event := backend.ChangeEvent{Type: kind, Table: table, CommitTimestamp: s.now().UTC()}
	var err error
	if newRow != nil {
		if event.New, err = json.Marshal(newRow); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("failed to marshal change row")
			return
		}
	}
	if oldRow != nil {
		if event.Old, err = json.Marshal(oldRow); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("failed to marshal change row")
			return
		}
	}

	if err := s.changes.PublishChange(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("table", table).Str("event", string(kind)).Msg("failed to publish change event")
	}
}

// translate maps GORM errors onto backend status errors.
func translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return backend.NewStatusError(http.StatusConflict, fmt.Sprintf("%s: duplicate key", op))
	case errors.Is(err, gorm.ErrRecordNotFound):
		return backend.NewStatusError(http.StatusNotFound, fmt.Sprintf("%s: not found", op))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
