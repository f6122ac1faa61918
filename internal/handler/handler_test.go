package handler

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

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/messaging/internal/feed"
	"github.com/capitalize-ai/messaging/internal/middleware"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/presence"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/internal/store"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

const testSecret = "handler-test-secret"

type testAPI struct {
	router http.Handler
	svc    *service.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()

	st, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	for _, u := range []struct{ id, name string }{
		{"alice", "Alice Archer"},
		{"bob", "Bob Baker"},
		{"carol", "Carol Chen"},
	} {
		if _, err := st.UpsertUser(ctx, u.id, u.name, ""); err != nil {
			t.Fatalf("UpsertUser(%s) error = %v", u.id, err)
		}
	}

	hub := feed.NewHub(64, log)
	t.Cleanup(hub.CloseAll)
	svc := service.New(st, hub, log)

	api := &API{
		Conversations: NewConversationHandler(svc, log),
		Messages:      NewMessageHandler(svc, log),
		Users:         NewUserHandler(svc, presence.NewTracker(st, nil, time.Minute, log), log),
		Feed:          NewFeedHandler(svc, nil, time.Second, log),
	}

	r := chi.NewRouter()
	r.Use(middleware.Logging(log))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		api.Mount(r)
	})
	return &testAPI{router: r, svc: svc}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	names := map[string]string{"alice": "Alice Archer", "bob": "Bob Baker", "carol": "Carol Chen", "dave": "Dave Diaz"}
	tok, err := middleware.SignToken(testSecret, userID, names[userID], time.Hour)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, userID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Authorization", "Bearer "+token(t, userID))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func (a *testAPI) direct(t *testing.T, from, to string) string {
	t.Helper()
	rec := a.do(t, from, http.MethodPost, "/conversations/direct", model.StartDirectRequest{RecipientID: to})
	expectStatus(t, rec, http.StatusOK)
	return decode[model.StartDirectResponse](t, rec).ConversationID
}

func TestStartDirectIsSymmetric(t *testing.T) {
	api := newTestAPI(t)

	ab := api.direct(t, "alice", "bob")
	ba := api.direct(t, "bob", "alice")
	if ab == "" || ab != ba {
		t.Fatalf("direct(alice, bob) = %q, direct(bob, alice) = %q", ab, ba)
	}

	rec := api.do(t, "alice", http.MethodPost, "/conversations/direct", model.StartDirectRequest{RecipientID: "alice"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = api.do(t, "alice", http.MethodPost, "/conversations/direct", model.StartDirectRequest{RecipientID: "nobody"})
	expectStatus(t, rec, http.StatusNotFound)
}

func TestSendListAndUnread(t *testing.T) {
	api := newTestAPI(t)
	conv := api.direct(t, "alice", "bob")

	rec := api.do(t, "alice", http.MethodPost, "/conversations/"+conv+"/messages", model.SendMessageRequest{Body: "   "})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = api.do(t, "alice", http.MethodPost, "/conversations/"+conv+"/messages",
		model.SendMessageRequest{Body: "hello", ClientID: "tmp_1"})
	expectStatus(t, rec, http.StatusCreated)
	sent := decode[model.Message](t, rec)
	if sent.Body != "hello" || sent.SenderID != "alice" || sent.ClientID != "tmp_1" || sent.ReadAt != nil {
		t.Fatalf("sent = %+v", sent)
	}

	rec = api.do(t, "bob", http.MethodGet, "/conversations/"+conv+"/messages", nil)
	expectStatus(t, rec, http.StatusOK)
	if msgs := decode[model.ListMessagesResponse](t, rec).Messages; len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("bob messages = %+v", msgs)
	}

	unread := func(user string) int {
		rec := api.do(t, user, http.MethodGet, "/conversations/unread?ids="+conv, nil)
		expectStatus(t, rec, http.StatusOK)
		return decode[model.UnreadCountsResponse](t, rec).Unread[conv]
	}
	if got := unread("bob"); got != 1 {
		t.Errorf("bob unread = %d, want 1", got)
	}
	if got := unread("alice"); got != 0 {
		t.Errorf("alice unread = %d, want 0", got)
	}

	rec = api.do(t, "bob", http.MethodPut, "/conversations/"+conv+"/read", nil)
	expectStatus(t, rec, http.StatusNoContent)
	if got := unread("bob"); got != 0 {
		t.Errorf("bob unread after mark read = %d, want 0", got)
	}

	// A client clock running behind does not leave read messages unread.
	rec = api.do(t, "alice", http.MethodPost, "/conversations/"+conv+"/messages", model.SendMessageRequest{Body: "again"})
	expectStatus(t, rec, http.StatusCreated)
	rec = api.do(t, "bob", http.MethodPut, "/conversations/"+conv+"/read", model.MarkReadRequest{At: time.Now().Add(-time.Hour)})
	expectStatus(t, rec, http.StatusNoContent)
	if got := unread("bob"); got != 0 {
		t.Errorf("bob unread after mark read with a slow clock = %d, want 0", got)
	}

	rec = api.do(t, "bob", http.MethodGet, "/conversations/latest?ids="+conv, nil)
	expectStatus(t, rec, http.StatusOK)
	if latest := decode[model.ListMessagesResponse](t, rec).Messages; len(latest) != 1 || latest[0].Body != "again" {
		t.Errorf("latest = %+v", latest)
	}
}

func TestReadReceipts(t *testing.T) {
	api := newTestAPI(t)
	conv := api.direct(t, "alice", "bob")

	rec := api.do(t, "alice", http.MethodPost, "/conversations/"+conv+"/messages", model.SendMessageRequest{Body: "hi"})
	expectStatus(t, rec, http.StatusCreated)
	msg := decode[model.Message](t, rec)

	stamp := func(user string) []model.Message {
		rec := api.do(t, user, http.MethodPost, "/messages/read", model.ReadReceiptsRequest{MessageIDs: []string{msg.ID}})
		expectStatus(t, rec, http.StatusOK)
		return decode[model.ListMessagesResponse](t, rec).Messages
	}

	if got := stamp("alice"); len(got) != 0 {
		t.Errorf("sender stamped own message: %+v", got)
	}
	if got := stamp("carol"); len(got) != 0 {
		t.Errorf("non-member stamped message: %+v", got)
	}
	got := stamp("bob")
	if len(got) != 1 || got[0].ReadAt == nil {
		t.Fatalf("bob stamp = %+v", got)
	}
	first := *got[0].ReadAt
	if again := stamp("bob"); len(again) != 0 {
		t.Errorf("second stamp changed rows: %+v", again)
	}

	rec = api.do(t, "alice", http.MethodGet, "/conversations/"+conv+"/messages", nil)
	msgs := decode[model.ListMessagesResponse](t, rec).Messages
	if len(msgs) != 1 || msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(first) {
		t.Errorf("alice sees %+v, want read at %v", msgs, first)
	}

	rec = api.do(t, "bob", http.MethodPost, "/messages/read", model.ReadReceiptsRequest{MessageIDs: []string{"nope"}})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestConversationRoutesRequireMembership(t *testing.T) {
	api := newTestAPI(t)
	conv := api.direct(t, "alice", "bob")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"list messages", http.MethodGet, "/conversations/" + conv + "/messages", nil},
		{"send", http.MethodPost, "/conversations/" + conv + "/messages", model.SendMessageRequest{Body: "hi"}},
		{"mark read", http.MethodPut, "/conversations/" + conv + "/read", nil},
		{"rename", http.MethodPut, "/conversations/" + conv, model.RenameConversationRequest{Name: "x"}},
		{"add members", http.MethodPost, "/conversations/" + conv + "/members", model.AddMembersRequest{UserIDs: []string{"carol"}}},
		{"members", http.MethodGet, "/conversations/members?ids=" + conv, nil},
		{"latest", http.MethodGet, "/conversations/latest?ids=" + conv, nil},
		{"unread", http.MethodGet, "/conversations/unread?ids=" + conv, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, api.do(t, "carol", tt.method, tt.path, tt.body), http.StatusNotFound)
		})
	}

	expectStatus(t, api.do(t, "alice", http.MethodGet, "/conversations/not-a-uuid/messages", nil), http.StatusBadRequest)
	expectStatus(t, api.do(t, "alice", http.MethodGet, "/conversations/unread", nil), http.StatusBadRequest)
}

func TestGroupLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "alice", http.MethodPost, "/conversations", model.CreateGroupRequest{Name: "Launch", MemberIDs: []string{"alice"}})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = api.do(t, "alice", http.MethodPost, "/conversations", model.CreateGroupRequest{Name: "Launch", MemberIDs: []string{"bob"}})
	expectStatus(t, rec, http.StatusCreated)
	group := decode[model.Conversation](t, rec)
	if !group.IsGroup || group.Name == nil || *group.Name != "Launch" || group.CreatedBy != "alice" {
		t.Fatalf("group = %+v", group)
	}

	rec = api.do(t, "bob", http.MethodPost, "/conversations/"+group.ID+"/members", model.AddMembersRequest{UserIDs: []string{"carol"}})
	expectStatus(t, rec, http.StatusNoContent)

	rec = api.do(t, "carol", http.MethodPut, "/conversations/"+group.ID, model.RenameConversationRequest{Name: "Launch v2"})
	expectStatus(t, rec, http.StatusOK)
	if renamed := decode[model.Conversation](t, rec); renamed.Name == nil || *renamed.Name != "Launch v2" {
		t.Errorf("renamed = %+v", renamed)
	}

	rec = api.do(t, "carol", http.MethodGet, "/conversations/members?ids="+group.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	members := decode[model.ListMembersResponse](t, rec).Members
	if len(members) != 3 {
		t.Fatalf("members = %+v", members)
	}

	rec = api.do(t, "carol", http.MethodGet, "/conversations", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decode[model.ListConversationsResponse](t, rec)
	if len(list.Conversations) != 1 || len(list.Memberships) != 1 || list.Memberships[0].UserID != "carol" {
		t.Errorf("carol conversations = %+v", list)
	}

	direct := api.direct(t, "alice", "bob")
	rec = api.do(t, "alice", http.MethodPut, "/conversations/"+direct, model.RenameConversationRequest{Name: "nope"})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestUsersAndPresence(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "dave", http.MethodPut, "/users/me", nil)
	expectStatus(t, rec, http.StatusOK)
	if u := decode[model.User](t, rec); u.ID != "dave" || u.DisplayName != "Dave Diaz" || u.Status != model.StatusAvailable {
		t.Errorf("dave = %+v", u)
	}

	rec = api.do(t, "dave", http.MethodPut, "/users/me", model.UpsertUserRequest{DisplayName: "David Diaz", Department: "Sales"})
	expectStatus(t, rec, http.StatusOK)
	if u := decode[model.User](t, rec); u.DisplayName != "David Diaz" || u.Department != "Sales" {
		t.Errorf("dave = %+v", u)
	}

	rec = api.do(t, "bob", http.MethodPut, "/users/me/presence", model.PresenceRequest{Status: "busy"})
	expectStatus(t, rec, http.StatusOK)
	if st := decode[map[string]string](t, rec)["status"]; st != "Busy" {
		t.Errorf("status = %q", st)
	}
	expectStatus(t, api.do(t, "bob", http.MethodPut, "/users/me/presence", model.PresenceRequest{Status: "asleep"}), http.StatusBadRequest)

	rec = api.do(t, "alice", http.MethodGet, "/users/bob", nil)
	expectStatus(t, rec, http.StatusOK)
	if u := decode[model.User](t, rec); u.Status != model.StatusBusy {
		t.Errorf("bob = %+v", u)
	}
	expectStatus(t, api.do(t, "alice", http.MethodGet, "/users/nobody", nil), http.StatusNotFound)
}

func TestFeedStreamsEvents(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.router)
	defer srv.Close()

	conv := api.direct(t, "alice", "bob")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/feed?tables=messages&access_token=" + token(t, "bob")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}

	// The subscription is registered before the upgrade completes.
	rec := api.do(t, "alice", http.MethodPost, "/conversations/"+conv+"/messages", model.SendMessageRequest{Body: "ping"})
	expectStatus(t, rec, http.StatusCreated)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev model.ChangeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Table != model.TableMessages || ev.Op != model.OpInsert || ev.Message == nil || ev.Message.Body != "ping" {
		t.Errorf("event = %+v", ev)
	}
}

func TestFeedRejectsMissingToken(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/feed", nil)
	if err == nil {
		t.Fatal("Dial() succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}

func TestReady(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": ok, "redis": nil}).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	expectStatus(t, rec, http.StatusOK)

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": ok, "nats": down}).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	expectStatus(t, rec, http.StatusServiceUnavailable)
	if reason := decode[map[string]string](t, rec)["reason"]; reason != "nats unavailable" {
		t.Errorf("reason = %q", reason)
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", []string{"https://chat.example.com"}, true},
		{"https://chat.example.com", nil, true},
		{"https://chat.example.com", []string{"https://chat.example.com"}, true},
		{"https://evil.example.net", []string{"https://chat.example.com"}, false},
		{"https://anything", []string{"https://*"}, true},
		{"http://anything", []string{"https://*"}, false},
		{"http://anything", []string{"*"}, true},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.origin, tt.allowed); got != tt.want {
			t.Errorf("originAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}
