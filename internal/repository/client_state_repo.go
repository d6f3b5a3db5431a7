package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ClientStateRepository persists client state documents in the local database.
type ClientStateRepository struct {
	db *gorm.DB
}

// NewClientStateRepository constructs the repository.
func NewClientStateRepository(db *gorm.DB) *ClientStateRepository {
	return &ClientStateRepository{db: db}
}

// AutoMigrate creates the state table.
func (r *ClientStateRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&models.ClientState{})
}

// Load decodes the document stored under key into dest. It reports false
// when nothing is stored.
func (r *ClientStateRepository) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	var row models.ClientState
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load client state %q: %w", key, err)
	}
	if len(row.Payload) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(row.Payload, dest); err != nil {
		return false, fmt.Errorf("decode client state %q: %w", key, err)
	}
	return true, nil
}

// Save replaces the document stored under key.
func (r *ClientStateRepository) Save(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode client state %q: %w", key, err)
	}

	row := models.ClientState{Key: key, Payload: datatypes.JSON(payload), UpdatedAt: time.Now().UTC()}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save client state %q: %w", key, err)
	}
	return nil
}

// Delete removes the document stored under key.
func (r *ClientStateRepository) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("key = ?", key).Delete(&models.ClientState{}).Error; err != nil {
		return fmt.Errorf("delete client state %q: %w", key, err)
	}
	return nil
}
