package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

func humanMessage(viewedAt *time.Time, expiresAt *time.Time, status model.MessageStatus) *model.Message {
	return &model.Message{
		ContentItem: model.ContentItem{
			ID: msgID, AuthorID: peerID, Kind: model.ContentKindMessage,
			PayloadText: "psst", CreatedAt: testNow.Add(-time.Minute),
		},
		State: model.MessageState{
			MessageID: msgID, SenderID: peerID, RecipientID: userID,
			Owner: model.OwnerHuman, Status: status,
			ViewedAt: viewedAt, ExpiresAt: expiresAt,
		},
	}
}

func TestMessageHandler_SendMessage_Human(t *testing.T) {
	deps := newTestDeps()
	var gotSender, gotRecipient string
	var gotOwner model.MessageOwner
	deps.MessageService = &mockMessageService{
		sendFn: func(ctx context.Context, s, r string, p model.Payload, o model.MessageOwner) (string, error) {
			gotSender, gotRecipient, gotOwner = s, r, o
			return msgID, nil
		},
	}

	w := doRequest(t, deps, http.MethodPost, "/api/messages", userID, `{"recipient_id":"`+peerID+`","text":"hi"}`)
	assertStatus(t, w, http.StatusCreated)

	if gotSender != userID || gotRecipient != peerID || gotOwner != model.OwnerHuman {
		t.Errorf("SendMessage(%q, %q, %q)", gotSender, gotRecipient, gotOwner)
	}
	var body sendMessageResponse
	decodeBody(t, w, &body)
	if body.ID != msgID {
		t.Errorf("id = %q, want %q", body.ID, msgID)
	}
}

func TestMessageHandler_SendSystemMessage(t *testing.T) {
	deps := newTestDeps()
	var gotSender string
	var gotOwner model.MessageOwner
	deps.MessageService = &mockMessageService{
		sendFn: func(ctx context.Context, s, r string, p model.Payload, o model.MessageOwner) (string, error) {
			gotSender, gotOwner = s, o
			return msgID, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/messages/system",
		strings.NewReader(`{"recipient_id":"`+userID+`","text":"welcome"}`))
	req.Header.Set("X-System-Token", "s3cret")
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)

	assertStatus(t, w, http.StatusCreated)
	if gotSender != systemID || gotOwner != model.OwnerSystem {
		t.Errorf("sender/owner = %q/%q, want %q/system", gotSender, gotOwner, systemID)
	}
}

func TestMessageHandler_SendSystemMessage_NoSenderConfigured(t *testing.T) {
	deps := newTestDeps()
	deps.SystemSenderID = ""

	req := httptest.NewRequest(http.MethodPost, "/internal/messages/system",
		strings.NewReader(`{"recipient_id":"`+userID+`","text":"welcome"}`))
	req.Header.Set("X-System-Token", "s3cret")
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)

	assertStatus(t, w, http.StatusForbidden)
}

func TestMessageHandler_MarkViewed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, http.StatusNoContent},
		{"not recipient", model.NewForbiddenError("only the recipient can mark a message as viewed"), http.StatusForbidden},
		{"missing", model.NewMessageNotFoundError(msgID), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps()
			var gotMsg, gotViewer string
			deps.MessageService = &mockMessageService{
				markViewedFn: func(ctx context.Context, m, v string) error {
					gotMsg, gotViewer = m, v
					return tt.err
				},
			}

			w := doRequest(t, deps, http.MethodPost, "/api/messages/"+msgID+"/view", userID, "")
			assertStatus(t, w, tt.want)
			if gotMsg != msgID || gotViewer != userID {
				t.Errorf("MarkViewed(%q, %q)", gotMsg, gotViewer)
			}
		})
	}
}

// 応答のstateは読み取り時点の実効状態になる
func TestMessageHandler_GetMessage_EffectiveState(t *testing.T) {
	deps := newTestDeps()
	viewed := testNow.Add(-5 * time.Second)
	expires := viewed.Add(10 * time.Second)
	deps.MessageService = &mockMessageService{
		getFn: func(ctx context.Context, v, m string) (*model.Message, error) {
			return humanMessage(&viewed, &expires, model.MessageViewed), nil
		},
	}

	w := doRequest(t, deps, http.MethodGet, "/api/messages/"+msgID, userID, "")
	assertStatus(t, w, http.StatusOK)

	var body messageResponse
	decodeBody(t, w, &body)
	if body.State != "viewed" || body.Owner != "human" {
		t.Errorf("state/owner = %q/%q", body.State, body.Owner)
	}
	if body.ExpiresAt == nil || !body.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", body.ExpiresAt, expires)
	}
}

func TestMessageHandler_ListConversation(t *testing.T) {
	deps := newTestDeps()
	var gotPeer string
	var gotLimit int
	var gotBefore model.ConversationCursor
	deps.MessageService = &mockMessageService{
		listFn: func(ctx context.Context, v, p string, limit int, before model.ConversationCursor) ([]*model.Message, error) {
			gotPeer, gotLimit, gotBefore = p, limit, before
			return []*model.Message{humanMessage(nil, nil, model.MessageSent)}, nil
		},
	}

	w := doRequest(t, deps, http.MethodGet,
		"/api/conversations/"+peerID+"/messages?limit=10&before=2026-05-01T11:00:00Z&before_id="+userID, userID, "")
	assertStatus(t, w, http.StatusOK)

	if gotPeer != peerID || gotLimit != 10 {
		t.Errorf("peer/limit = %q/%d", gotPeer, gotLimit)
	}
	if !gotBefore.CreatedAt.Equal(time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)) || gotBefore.ID != userID {
		t.Errorf("before = %+v", gotBefore)
	}

	var body conversationResponse
	decodeBody(t, w, &body)
	if len(body.Messages) != 1 || body.Messages[0].State != "sent" {
		t.Errorf("messages = %+v", body.Messages)
	}
}

func TestMessageHandler_ListConversation_BadBefore(t *testing.T) {
	w := doRequest(t, newTestDeps(), http.MethodGet,
		"/api/conversations/"+peerID+"/messages?before=yesterday", userID, "")
	assertStatus(t, w, http.StatusBadRequest)
}

func TestMessageHandler_ListConversation_EmptyIsArray(t *testing.T) {
	w := doRequest(t, newTestDeps(), http.MethodGet, "/api/conversations/"+peerID+"/messages", userID, "")
	assertStatus(t, w, http.StatusOK)
	if got := w.Body.String(); got != "{\"messages\":[]}\n" {
		t.Errorf("body = %q", got)
	}
}
