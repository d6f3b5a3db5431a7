package avatarstore

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublicID(t *testing.T) {
	require.Equal(t, "avatar-3f2a9c1e-0b7d-4c11-9d55-2a1f0c6e8b90", PublicID("3f2a9c1e-0b7d-4c11-9d55-2a1f0c6e8b90"))
	require.Equal(t, "avatar-a-b_c", PublicID("a/b_c"))
	require.Equal(t, "", PublicID("///"))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)

	require.False(t, Config{CloudName: "demo", APIKey: "key"}.Enabled())
	require.True(t, Config{CloudName: "demo", APIKey: "key", APISecret: "secret"}.Enabled())

	store, err := New(Config{CloudName: "demo", APIKey: "key", APISecret: "secret", Folder: "/chat/avatars/"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "chat/avatars", store.folder)
}
