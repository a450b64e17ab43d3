package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/outbox"
	"chatsync/pkg/poll"
	"chatsync/pkg/push"
	"chatsync/pkg/response"
	"chatsync/pkg/session"
	"chatsync/pkg/store"
	"chatsync/pkg/testhelpers"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newGateway(t *testing.T, backend *testhelpers.FakeBackend) (*gin.Engine, *session.Session) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.New()
	self := store.Sender{Kind: store.SenderKindID, ID: backend.Self}
	tracker := outbox.NewTracker(s, backend, self)
	poller := poll.New(s, backend, time.Hour)
	sess := session.New(s, tracker, poller, backend)
	t.Cleanup(sess.Close)

	router := gin.New()
	NewHandler(sess).RegisterRoutes(router)
	return router, sess
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, response.APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestGetMessages_ReturnsStoreContents(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Seed("c1",
		testhelpers.ServerMessage("c1", "peer", "one", base),
		testhelpers.ServerMessage("c1", "peer", "two", base.Add(time.Second)),
	)
	router, sess := newGateway(t, backend)
	require.NoError(t, sess.SetActiveConversation(context.Background(), "c1"))

	w, resp := doJSON(t, router, http.MethodGet, "/conversations/c1/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	require.EqualValues(t, 2, data["count"])
}

func TestSendMessage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		backend := testhelpers.NewFakeBackend()
		router, sess := newGateway(t, backend)

		w, resp := doJSON(t, router, http.MethodPost, "/conversations/c1/messages", gin.H{"content": "Hi"})
		require.Equal(t, http.StatusCreated, w.Code)
		require.True(t, resp.Success)

		msgs := sess.Messages("c1")
		require.Len(t, msgs, 1)
		require.Equal(t, store.StateConfirmed, msgs[0].State)
	})

	t.Run("missing content", func(t *testing.T) {
		backend := testhelpers.NewFakeBackend()
		router, _ := newGateway(t, backend)

		w, resp := doJSON(t, router, http.MethodPost, "/conversations/c1/messages", gin.H{})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.False(t, resp.Success)
	})

	t.Run("send failure keeps message and reports it", func(t *testing.T) {
		backend := testhelpers.NewFakeBackend()
		backend.SetSendError(errors.New("backend exploded"))
		router, sess := newGateway(t, backend)

		w, resp := doJSON(t, router, http.MethodPost, "/conversations/c1/messages", gin.H{"content": "Hello"})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.False(t, resp.Success)

		data := resp.Data.(map[string]interface{})
		failed := data["message"].(map[string]interface{})
		require.Equal(t, "failed", failed["state"])

		msgs := sess.Messages("c1")
		require.Len(t, msgs, 1)
		require.Equal(t, store.StateFailed, msgs[0].State)
	})
}

func TestRetryMessage(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.SetSendError(errors.New("offline"))
	router, sess := newGateway(t, backend)

	_, err := sess.Send(context.Background(), "c1", "try me")
	require.Error(t, err)
	failed := sess.Messages("c1")[0]

	backend.SetSendError(nil)
	w, resp := doJSON(t, router, http.MethodPost, "/conversations/c1/messages/"+failed.LocalID+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)
	require.Equal(t, store.StateConfirmed, sess.Messages("c1")[0].State)
}

func TestRetryMessage_Unknown(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	router, _ := newGateway(t, backend)

	w, resp := doJSON(t, router, http.MethodPost, "/conversations/c1/messages/nope/retry", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.False(t, resp.Success)
}

func TestActivateDeactivate(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	backend.Seed("c1", testhelpers.ServerMessage("c1", "peer", "hey", base))
	router, sess := newGateway(t, backend)

	w, resp := doJSON(t, router, http.MethodPut, "/conversations/c1/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)
	require.Equal(t, "c1", sess.ActiveConversation())
	require.Equal(t, 1, backend.FullFetches("c1"))

	w, _ = doJSON(t, router, http.MethodDelete, "/conversations/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, sess.ActiveConversation())
	require.Len(t, sess.Messages("c1"), 1, "cache survives deactivation")
}

func TestCreateConversation(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	router, _ := newGateway(t, backend)

	w, resp := doJSON(t, router, http.MethodPost, "/conversations", gin.H{"participant_id": "mentor-1", "session_id": "booking-3"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.True(t, resp.Success)

	w, resp = doJSON(t, router, http.MethodPost, "/conversations", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.False(t, resp.Success)
}

func TestListConversations_StaleOnBackendError(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	router, sess := newGateway(t, backend)

	_, err := sess.CreateConversation(context.Background(), "mentor-1", "")
	require.NoError(t, err)

	backend.SetListError(errors.New("down"))
	w, resp := doJSON(t, router, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	require.Equal(t, true, data["stale"])
	require.EqualValues(t, 1, data["count"])
}

func TestWebSocket_StreamsSessionEvents(t *testing.T) {
	backend := testhelpers.NewFakeBackend()
	router, sess := newGateway(t, backend)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the subscription a moment to register, then emit.
	time.Sleep(20 * time.Millisecond)
	sess.HandlePush(push.Event{Type: push.EventUserTyping, ConversationID: "c1", UserID: "u2"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev session.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, session.EventTyping, ev.Type)
	require.Equal(t, "c1", ev.ConversationID)
	require.Equal(t, "u2", ev.UserID)
}
