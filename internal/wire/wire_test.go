package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit(t *testing.T) {
	types := []model.ContactType{model.ContactTypeAds, model.ContactTypeAll, model.ContactTypeSupport, ""}

	for _, ct := range types {
		c := model.Conversation{ID: 1, Contact: model.Contact{ContactType: ct}}
		assert.True(t, Admit(c, Viewer{RestrictContactType: false, ContactTypePreference: model.ContactTypeAds}), "unrestricted viewer, type %q", ct)
		assert.True(t, Admit(c, Viewer{RestrictContactType: true, ContactTypePreference: model.ContactTypeAll}), "preference all, type %q", ct)
	}

	tests := []struct {
		name string
		ct   model.ContactType
		pref model.ContactType
		want bool
	}{
		{"ads matches ads", model.ContactTypeAds, model.ContactTypeAds, true},
		{"support matches support", model.ContactTypeSupport, model.ContactTypeSupport, true},
		{"ads rejected for support", model.ContactTypeAds, model.ContactTypeSupport, false},
		{"all rejected for ads", model.ContactTypeAll, model.ContactTypeAds, false},
		{"missing type rejected for ads", "", model.ContactTypeAds, false},
		{"missing type rejected for support", "", model.ContactTypeSupport, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := model.Conversation{ID: 1, Contact: model.Contact{ContactType: tt.ct}}
			got := Admit(c, Viewer{RestrictContactType: true, ContactTypePreference: tt.pref})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRESTConversation(t *testing.T) {
	raw := `{
		"id": 42,
		"contact": {"id": "7", "name": "Ana", "phone_number": "+5511999", "tags": [{"id": 3, "name": "vip", "color": "#f00"}]},
		"last_message": {"id": "m1", "content": "hi", "direction": "incoming", "timestamp": "2026-01-02T10:00:00Z"},
		"unread_count": 2,
		"assigned_user_id": 9,
		"assigned_bot_id": null,
		"created_at": "2026-01-01T00:00:00Z",
		"updated_at": "2026-01-02T09:00:00Z"
	}`
	var w RESTConversation
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	c, err := NormalizeConversation(w)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.ID)
	assert.Equal(t, "Ana", c.Contact.Name)
	assert.Equal(t, model.ContactTypeAll, c.Contact.ContactType, "missing contact type defaults to all")
	require.Len(t, c.Contact.Tags, 1)
	assert.Equal(t, int64(3), c.Contact.Tags[0].ID)
	assert.Equal(t, "user:9", c.Assignment.String())
	assert.Equal(t, 2, c.UnreadCount)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, int64(42), c.LastMessage.ConversationID)
	assert.Equal(t, model.MessageText, c.LastMessage.Type)
	// last message is newer than updated_at
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), c.UpdatedAt)
}

func TestNormalizePushConversationDegradesMalformedFields(t *testing.T) {
	raw := `{"id": "5", "unreadCount": "oops", "createdAt": "not a date", "contact": {"contactType": "SUPPORT"}, "assignedBotId": 3, "isTyping": true}`
	var w PushConversation
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	c, err := NormalizeConversation(w)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.ID)
	assert.Equal(t, 0, c.UnreadCount)
	assert.True(t, c.CreatedAt.IsZero())
	assert.Equal(t, model.ContactTypeSupport, c.Contact.ContactType)
	assert.Equal(t, model.Assignment{Kind: model.AssignedBot, ID: 3}, c.Assignment)
	assert.True(t, c.IsTyping)
}

func TestNormalizeConversationMissingID(t *testing.T) {
	_, err := NormalizeConversation(PushConversation{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "id", verr.Field)
}

func TestNormalizeConversationsSkipsInvalid(t *testing.T) {
	ws := []RESTConversation{{ID: "1"}, {ID: ""}, {ID: "abc"}, {ID: "4"}}
	out, skipped := NormalizeConversations(ws)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ID)
	assert.Equal(t, int64(4), out[1].ID)
	assert.Len(t, skipped, 2)
}

func TestNormalizePushMessageAttachments(t *testing.T) {
	tests := []struct {
		name string
		atts []Attachment
		want model.MessageType
	}{
		{"no attachments is text", nil, model.MessageText},
		{"image", []Attachment{{Type: "image", URL: "u"}}, model.MessageImage},
		{"voice is audio", []Attachment{{Type: "voice"}}, model.MessageAudio},
		{"mime fallback", []Attachment{{MimeType: "video/mp4"}}, model.MessageVideo},
		{"unknown is document", []Attachment{{MimeType: "application/pdf"}}, model.MessageDocument},
		{"first attachment wins", []Attachment{{Type: "audio"}, {Type: "image"}}, model.MessageAudio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NormalizeMessage(PushMessage{ID: "m", Attachments: tt.atts})
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Type)
			if tt.atts == nil {
				assert.Nil(t, m.Media)
			} else {
				assert.NotNil(t, m.Media)
			}
		})
	}
}

func TestNormalizeRESTMessageMediaFields(t *testing.T) {
	raw := `{"id": 10, "conversation_id": 3, "message_type": "image", "media_url": "https://cdn/x.jpg", "media_filename": "x.jpg", "media_size": 2048, "direction": "outbound", "status": "delivery_ack", "created_at": 1767261600}`
	var w RESTMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	m, err := NormalizeMessage(w)
	require.NoError(t, err)
	assert.Equal(t, "10", m.ID)
	assert.Equal(t, int64(3), m.ConversationID)
	assert.Equal(t, model.MessageImage, m.Type)
	require.NotNil(t, m.Media)
	assert.Equal(t, int64(2048), m.Media.Size)
	assert.Equal(t, model.Outbound, m.Direction)
	assert.Equal(t, model.StatusDelivered, m.Status)
	assert.Equal(t, time.Unix(1767261600, 0).UTC(), m.Timestamp)
}

func TestNormalizeProviderEnvelope(t *testing.T) {
	raw := `{"conversation_id": 8, "message": {"id": "wamid.1", "body": "photo", "from_me": false, "push_name": "Bea", "status": "server_ack", "timestamp": 1767261600000}, "attachment": {"type": "image", "url": "u", "filename": "p.jpg", "size": "99"}}`
	var w ProviderEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	m, err := NormalizeMessage(w)
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", m.ID)
	assert.Equal(t, int64(8), m.ConversationID)
	assert.Equal(t, model.Inbound, m.Direction)
	assert.Equal(t, model.StatusSent, m.Status)
	assert.Equal(t, model.MessageImage, m.Type)
	assert.Equal(t, int64(99), m.Media.Size)
	assert.Equal(t, time.UnixMilli(1767261600000).UTC(), m.Timestamp)
}

func TestMapStatusDefaults(t *testing.T) {
	assert.Equal(t, model.StatusDelivered, MapStatus("", model.Inbound))
	assert.Equal(t, model.StatusSent, MapStatus("weird", model.Outbound))
	assert.Equal(t, model.StatusRead, MapStatus("PLAYED", model.Outbound))
	assert.Equal(t, model.StatusFailed, MapStatus("error", model.Outbound))
}
