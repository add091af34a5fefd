package sawerni_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sawerni "github.com/xCyberpunkx/sawerni-go"
)

func TestClient_Conversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "20", r.URL.Query().Get("perPage"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{
				"id": "c1",
				"otherParticipant": map[string]any{
					"id": "u2", "displayName": "Rania", "online": true,
				},
				"lastActiveAt": t0,
				"unreadCount":  3,
			}},
			"meta": map[string]any{"total": 1, "page": 1, "perPage": 20, "pages": 1},
		})
	}))
	defer srv.Close()

	client := sawerni.NewClient("tok-1", sawerni.WithBaseURL(srv.URL))
	page, err := client.Conversations(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c1", page.Items[0].ID)
	assert.Equal(t, "Rania", page.Items[0].OtherParticipant.DisplayName)
	assert.True(t, page.Items[0].OtherParticipant.Online)
	assert.Equal(t, 3, page.Items[0].UnreadCount)
	assert.Equal(t, 1, page.Meta.Pages)
}

func TestClient_Thread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))

		json.NewEncoder(w).Encode(map[string]any{
			"conversation": map[string]any{"id": "c1", "lastActiveAt": t0},
			"messages": map[string]any{
				"items": []map[string]any{{
					"id": "m1", "conversationId": "c1", "senderId": "u2",
					"content": "hello", "createdAt": t0,
				}},
				"meta": map[string]any{"total": 51, "page": 2, "perPage": 50, "pages": 2},
			},
		})
	}))
	defer srv.Close()

	client := sawerni.NewClient("tok", sawerni.WithBaseURL(srv.URL))
	page, err := client.Thread(context.Background(), "c1", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, "c1", page.Conversation.ID)
	require.Len(t, page.Messages.Items, 1)
	require.NotNil(t, page.Messages.Items[0].Content)
	assert.Equal(t, "hello", *page.Messages.Items[0].Content)
	assert.Equal(t, 2, page.Messages.Meta.Pages)
}

func TestClient_MarkRead(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := sawerni.NewClient("tok", sawerni.WithBaseURL(srv.URL))
	require.NoError(t, client.MarkRead(context.Background(), "c1"))
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/conversations/c1/read", gotPath)
}

func TestClient_SendMessage_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "hi there", r.FormValue("content"))

		files := r.MultipartForm.File["attachments"]
		require.Len(t, files, 1)
		assert.Equal(t, "photo.jpg", files[0].Filename)

		json.NewEncoder(w).Encode(map[string]any{
			"id": "m9", "conversationId": "c1", "senderId": "u1",
			"content": "hi there", "createdAt": t0,
			"attachments": []map[string]any{{
				"filename": "srv-photo.jpg", "originalName": "photo.jpg",
				"mimeType": "image/jpeg", "size": 3, "url": "/files/srv-photo.jpg",
			}},
		})
	}))
	defer srv.Close()

	client := sawerni.NewClient("tok", sawerni.WithBaseURL(srv.URL))
	msg, err := client.SendMessage(context.Background(), "c1", &sawerni.Draft{
		Content: "hi there",
		Attachments: []*sawerni.LocalAttachment{
			{Name: "photo.jpg", MimeType: "image/jpeg", Data: []byte{1, 2, 3}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "m9", msg.ID)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "photo.jpg", msg.Attachments[0].OriginalName)
}

func TestClient_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   sawerni.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":"SESSION_EXPIRED","message":"token expired"}}`, sawerni.ErrAuth},
		{"forbidden", http.StatusForbidden, `{"error":{"code":"FORBIDDEN","message":"not your conversation"}}`, sawerni.ErrPermission},
		{"not found", http.StatusNotFound, `{"error":{"code":"NOT_FOUND","message":"gone"}}`, sawerni.ErrNotFound},
		{"bad request", http.StatusBadRequest, `{"error":{"code":"INVALID","message":"bad page"}}`, sawerni.ErrValidation},
		{"server error", http.StatusInternalServerError, `boom`, sawerni.ErrServer},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := sawerni.NewClient("tok", sawerni.WithBaseURL(srv.URL))
			_, err := client.Conversations(context.Background(), 1, 20)
			require.Error(t, err)

			var ae *sawerni.APIError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tc.kind, ae.Kind)
			assert.Equal(t, tc.status, ae.Status)
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	client := sawerni.NewClient("tok",
		sawerni.WithBaseURL(srv.URL),
		sawerni.WithTimeout(2*time.Second))
	_, err := client.Conversations(context.Background(), 1, 20)
	require.Error(t, err)
	assert.Equal(t, sawerni.ErrTransport, sawerni.ErrorKindOf(err))
}
