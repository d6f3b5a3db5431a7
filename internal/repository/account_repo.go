package repository

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/models"
)

// AccountRepository stores accounts of the local auth provider.
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository constructs the repository.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// AutoMigrate creates the accounts table.
func (r *AccountRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&models.Account{})
}

// Create inserts a new account. Emails are compared case-insensitively.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	account.Email = normalizeEmail(account.Email)
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return translate("create account", err)
	}
	return nil
}

// FindByEmail returns the account registered under email, or nil.
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("find account", err)
	}
	return &account, nil
}

// FindByID returns the account with id.
func (r *AccountRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, backend.NewStatusError(http.StatusNotFound, "account not found")
	}
	if err != nil {
		return nil, translate("find account", err)
	}
	return &account, nil
}

// Confirm marks the account's email as confirmed.
func (r *AccountRepository) Confirm(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("confirmed", true)
	if result.Error != nil {
		return translate("confirm account", result.Error)
	}
	if result.RowsAffected == 0 {
		return backend.NewStatusError(http.StatusNotFound, "account not found")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
