package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/dto"
)

const maxAvatarBytes = 5 << 20

var (
	// ErrNotSignedIn is returned by profile edits without a session.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrAvatarTooLarge rejects avatars above the upload limit.
	ErrAvatarTooLarge = errors.New("avatar must be 5 MB or smaller")
	// ErrAvatarNotImage rejects avatars that do not sniff as an image.
	ErrAvatarNotImage = errors.New("avatar must be a PNG, JPEG, GIF or WebP image")
)

var allowedAvatarTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

// AvatarUpload is an avatar file picked by the user.
type AvatarUpload struct {
	Filename string
	Data     []byte
}

// ProfileGateway is the part of the remote gateway profile edits use.
type ProfileGateway interface {
	UploadAvatar(ctx context.Context, userID, filename string, data []byte) (string, error)
	UpsertProfile(ctx context.Context, req dto.ProfileUpsertRequest) error
}

// IdentitySource returns the signed-in user, or nil.
type IdentitySource interface {
	Identity() *backend.Identity
}

// ProfileService edits the signed-in user's directory entry.
type ProfileService interface {
	Update(ctx context.Context, displayName string, avatar *AvatarUpload) (dto.User, error)
}

type profileService struct {
	gateway  ProfileGateway
	identity IdentitySource
	logger   zerolog.Logger
}

// NewProfileService constructs the profile editor.
func NewProfileService(gw ProfileGateway, identity IdentitySource, logger zerolog.Logger) ProfileService {
	return &profileService{
		gateway:  gw,
		identity: identity,
		logger:   logger.With().Str("component", "profile_service").Logger(),
	}
}

// Update uploads the optional avatar, then upserts the profile. Without a
// new avatar the current avatar URL is kept.
func (s *profileService) Update(ctx context.Context, displayName string, avatar *AvatarUpload) (dto.User, error) {
	identity := s.identity.Identity()
	if identity == nil || identity.ID == "" {
		return dto.User{}, ErrNotSignedIn
	}

	displayName = strings.TrimSpace(displayName)
	if problem := UsernameProblem(displayName); problem != "" {
		return dto.User{}, &InputError{Field: "display_name", Problems: []string{problem}}
	}

	avatarURL := identity.AvatarURL()
	if avatar != nil && len(avatar.Data) > 0 {
		url, err := s.uploadAvatar(ctx, identity.ID, avatar)
		if err != nil {
			return dto.User{}, err
		}
		avatarURL = &url
	}

	req := dto.ProfileUpsertRequest{ID: identity.ID, Username: displayName, AvatarURL: avatarURL}
	if err := s.gateway.UpsertProfile(ctx, req); err != nil {
		return dto.User{}, err
	}

	s.logger.Info().Str("user_id", identity.ID).Bool("avatar_changed", avatar != nil).Msg("profile updated")
	return dto.User{ID: identity.ID, DisplayName: displayName, AvatarURL: avatarURL}, nil
}

func (s *profileService) uploadAvatar(ctx context.Context, userID string, avatar *AvatarUpload) (string, error) {
	if len(avatar.Data) > maxAvatarBytes {
		return "", &InputError{Field: "avatar", Problems: []string{ErrAvatarTooLarge.Error()}}
	}

	detected := mimetype.Detect(avatar.Data)
	if _, ok := allowedAvatarTypes[detected.String()]; !ok {
		return "", &InputError{Field: "avatar", Problems: []string{ErrAvatarNotImage.Error()}}
	}

	base := filepath.Base(avatar.Filename)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "avatar"
	}
	url, err := s.gateway.UploadAvatar(ctx, userID, name+detected.Extension(), avatar.Data)
	if err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	return url, nil
}
