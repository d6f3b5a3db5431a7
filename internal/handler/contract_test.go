package handler_test

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)
	return schema
}

func validateData(t *testing.T, schema *jsonschema.Schema, raw json.RawMessage) {
	t.Helper()
	var payload interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.NoError(t, schema.Validate(payload))
}

func TestSnapshotContracts(t *testing.T) {
	f := newAPIFixture(t)
	conversationSchema := compileSchema(t, "conversation_snapshot.schema.json")
	presenceSchema := compileSchema(t, "presence_snapshot.schema.json")
	sessionSchema := compileSchema(t, "session_snapshot.schema.json")

	token := f.signup(t, "ada@example.com", "ada_l")
	f.harness.SeedProfile(t, "carol", "carol")

	text := "contract check"
	_, payload := f.do(t, http.MethodPost, "/api/v1/conversation/messages", token, dto.SendRequest{Text: &text})
	validateData(t, conversationSchema, payload.Data)

	_, payload = f.do(t, http.MethodPost, "/api/v1/conversation/rooms/direct", token, dto.DirectRoomRequest{PeerID: "carol", DisplayName: "carol"})
	validateData(t, conversationSchema, payload.Data)

	_, payload = f.do(t, http.MethodPost, "/api/v1/presence/refresh", token, nil)
	validateData(t, presenceSchema, payload.Data)

	_, payload = f.do(t, http.MethodGet, "/api/v1/session", token, nil)
	var session struct {
		Session json.RawMessage `json:"session"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &session))
	validateData(t, sessionSchema, session.Session)
}

func TestSnapshotContractRejectsDrift(t *testing.T) {
	schema := compileSchema(t, "conversation_snapshot.schema.json")

	drifted := map[string]interface{}{
		"room_id":          "r1",
		"messages":         []interface{}{},
		"input":            "",
		"unread_counts":    map[string]interface{}{"r2": 0},
		"direct_rooms":     map[string]interface{}{},
		"read_receipts":    map[string]interface{}{},
		"loading_room":     false,
		"loading_messages": false,
	}
	require.Error(t, schema.Validate(drifted))

	drifted["unread_counts"] = map[string]interface{}{"r2": 3}
	require.NoError(t, schema.Validate(drifted))

	drifted["error_scope"] = "network"
	require.Error(t, schema.Validate(drifted))
}
