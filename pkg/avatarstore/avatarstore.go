// Package avatarstore uploads profile avatars to Cloudinary.
package avatarstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Enabled reports whether all credentials are present.
func (c Config) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Store implements gateway.AvatarStore. Each user has one avatar asset that
// is overwritten on every upload.
type Store struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary avatar store.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Store{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "avatar_store").Logger(),
	}, nil
}

// UploadAvatar stores data as the avatar of userID and returns its secure URL.
func (s *Store) UploadAvatar(ctx context.Context, userID, filename string, data []byte) (string, error) {
	publicID := PublicID(userID)
	if publicID == "" {
		return "", fmt.Errorf("user id is required")
	}

	params := uploader.UploadParams{
		Folder:         s.folder,
		PublicID:       publicID,
		ResourceType:   "image",
		Overwrite:      api.Bool(true),
		Invalidate:     api.Bool(true),
		UniqueFilename: api.Bool(false),
	}

	result, err := s.client.Upload.Upload(ctx, bytes.NewReader(data), params)
	if err != nil {
		return "", fmt.Errorf("failed to upload avatar: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload avatar: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Str("user_id", userID).Str("filename", filename).Msg("avatar uploaded")
	return result.SecureURL, nil
}

// PublicID derives the asset id of a user's avatar.
func PublicID(userID string) string {
	base := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, userID)

	base = strings.Trim(base, "-")
	if base == "" {
		return ""
	}
	return "avatar-" + base
}
