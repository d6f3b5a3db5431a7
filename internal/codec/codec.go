// Package codec turns stored message records into client messages and editor
// input into plain text.
package codec

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// AnonymousAuthor is shown when neither a profile nor the stored row names the author.
const AnonymousAuthor = "Anonymous"

var stripAll = bluemonday.StrictPolicy()

// DecodeEntities turns HTML entities (&amp;, &nbsp;, &#39;) into their characters.
func DecodeEntities(text string) string {
	return html.UnescapeString(text)
}

// ExtractPlainText returns the visible text of rich editor input: markup is
// removed, script and style bodies dropped, entities decoded and the result trimmed.
func ExtractPlainText(rich string) string {
	if !strings.ContainsAny(rich, "<&") {
		return strings.TrimSpace(rich)
	}
	return strings.TrimSpace(html.UnescapeString(stripAll.Sanitize(rich)))
}

// NormalizeInboundMessage converts a stored record into the client message
// shape. The author name resolves joined profile, then stored username, then
// AnonymousAuthor; the avatar resolves joined profile, then stored avatar.
func NormalizeInboundMessage(raw dto.MessageRecord) dto.ChatMessage {
	return dto.ChatMessage{
		ID:                raw.ID,
		Content:           DecodeEntities(raw.Content),
		AuthorDisplayName: ResolveDisplayName(raw),
		AuthorAvatarURL:   ResolveAvatarURL(raw),
		AuthorUserID:      nonEmpty(raw.UserID),
		CreatedAt:         raw.CreatedAt,
	}
}

// NormalizeInboundMessages normalizes a fetched snapshot, keeping its order.
func NormalizeInboundMessages(raw []dto.MessageRecord) []dto.ChatMessage {
	out := make([]dto.ChatMessage, 0, len(raw))
	for _, record := range raw {
		out = append(out, NormalizeInboundMessage(record))
	}
	return out
}

// ResolveDisplayName applies the author name precedence.
func ResolveDisplayName(raw dto.MessageRecord) string {
	if raw.Profile != nil {
		if name := nonEmpty(raw.Profile.Username); name != nil {
			return *name
		}
	}
	if name := nonEmpty(raw.Username); name != nil {
		return *name
	}
	return AnonymousAuthor
}

// ResolveAvatarURL applies the avatar precedence; nil means no avatar.
func ResolveAvatarURL(raw dto.MessageRecord) *string {
	if raw.Profile != nil {
		if url := nonEmpty(raw.Profile.AvatarURL); url != nil {
			return url
		}
	}
	return nonEmpty(raw.AvatarURL)
}

func nonEmpty(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	out := *value
	return &out
}
