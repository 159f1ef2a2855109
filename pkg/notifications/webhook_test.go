package notifications

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/members"
)

func TestWebhookSenderDeliver(t *testing.T) {
	var gotBody []byte
	var gotSignature, gotEvent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Commons-Signature")
		gotEvent = r.Header.Get("X-Commons-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "hush")
	err := sender.Deliver(context.Background(), members.Notification{
		Kind:        "invitation",
		UserID:      "u1",
		CommunityID: "c1",
		RequestID:   "r1",
	})
	require.NoError(t, err)

	assert.Equal(t, "invitation", gotEvent)
	assert.Contains(t, string(gotBody), `"community_id":"c1"`)
	assert.True(t, VerifySignature(gotBody, gotSignature, "hush"))
	assert.False(t, VerifySignature(gotBody, gotSignature, "wrong"))
}

func TestWebhookSenderUnsignedWithoutSecret(t *testing.T) {
	var signed bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signed = r.Header.Get("X-Commons-Signature") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "")
	require.NoError(t, sender.Deliver(context.Background(), members.Notification{Kind: "invitation", CommunityID: "c1"}))
	assert.False(t, signed)
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "hush")
	err := sender.Deliver(context.Background(), members.Notification{Kind: "invitation", CommunityID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
