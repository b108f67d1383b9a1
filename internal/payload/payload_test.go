package payload_test

import (
	"encoding/json"
	"testing"

	"github.com/adred-codev/pushline/internal/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr error
		kind    payload.Kind
	}{
		{"event", `{"kind":"event","event":{"originUserId":7,"receiveList":[7,8]}}`, nil, payload.KindEvent},
		{"message", `{"kind":"message","message":{"senderId":3,"conversationId":"c1"}}`, nil, payload.KindMessage},
		{"not json", `{"kind":`, payload.ErrMalformed, ""},
		{"event without body", `{"kind":"event"}`, payload.ErrMalformed, ""},
		{"message without body", `{"kind":"message"}`, payload.ErrMalformed, ""},
		{"unknown kind", `{"kind":"typing"}`, payload.ErrUnknownKind, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := payload.Decode([]byte(tc.input))

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, p.Kind)
		})
	}
}

func TestPayload_Recipients(t *testing.T) {
	t.Run("event deduplicates in order", func(t *testing.T) {
		p, err := payload.Decode([]byte(`{"kind":"event","event":{"originUserId":7,"receiveList":[9,7,9,7,3]}}`))
		require.NoError(t, err)

		assert.Equal(t, []int64{9, 7, 3}, p.Recipients())
	})

	t.Run("message has none", func(t *testing.T) {
		p, err := payload.Decode([]byte(`{"kind":"message","message":{"senderId":3,"conversationId":"c1"}}`))
		require.NoError(t, err)

		assert.Empty(t, p.Recipients())
	})
}

func TestResolveMessageType(t *testing.T) {
	assert.Equal(t, payload.MessageTypeSelfInfoUpdate, payload.ResolveMessageType(7, 7))
	assert.Equal(t, payload.MessageTypeRelationInfoUpdate, payload.ResolveMessageType(7, 8))
}

func TestPayload_MessageTypeFor(t *testing.T) {
	event := &payload.Payload{Kind: payload.KindEvent, Event: &payload.Event{OriginUserID: 7}}
	message := &payload.Payload{Kind: payload.KindMessage, Message: &payload.Message{SenderID: 7}}

	assert.Equal(t, payload.MessageTypeSelfInfoUpdate, event.MessageTypeFor(7))
	assert.Equal(t, payload.MessageTypeRelationInfoUpdate, event.MessageTypeFor(1))
	assert.Equal(t, payload.MessageTypeMessage, message.MessageTypeFor(7))
}

func TestEncodeNotification(t *testing.T) {
	raw := []byte(`{"kind":"event","event":{"originUserId":7,"receiveList":[7]}}`)

	data, err := payload.EncodeNotification(payload.MessageTypeSelfInfoUpdate, raw)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.JSONEq(t, `"self-info-update"`, string(decoded["type"]))
	assert.JSONEq(t, string(raw), string(decoded["payload"]))
}
