package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/mldperalta/mldperalta-DatingApp/internal/config"
	"github.com/mldperalta/mldperalta-DatingApp/internal/group"
	"github.com/mldperalta/mldperalta-DatingApp/internal/hub"
	"github.com/mldperalta/mldperalta-DatingApp/internal/model"
	"github.com/mldperalta/mldperalta-DatingApp/internal/presence"
	"github.com/mldperalta/mldperalta-DatingApp/internal/store"
)

const testSecret = "test-secret"

// fakeStore is an in-memory MessageStore for session tests.
type fakeStore struct {
	mu         sync.Mutex
	pending    []*model.Message
	committed  []*model.Message
	threads    map[string][]model.MessageView
	failCommit bool
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{threads: make(map[string][]model.MessageView)}
}

func (s *fakeStore) Append(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, msg)
	return nil
}

func (s *fakeStore) CommitBatch(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit {
		// A failed batch is discarded, like the real store.
		s.pending = nil
		return false, fmt.Errorf("fake store: commit refused")
	}
	if len(s.pending) == 0 {
		return false, nil
	}
	for _, msg := range s.pending {
		s.nextID++
		msg.ID = s.nextID
		s.committed = append(s.committed, msg)
	}
	s.pending = nil
	return true, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.committed {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetPaged(ctx context.Context, params store.Params) (*model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]model.MessageView, 0)
	for i := len(s.committed) - 1; i >= 0; i-- {
		msg := s.committed[i]
		if params.Filter == store.FilterSent && msg.SenderUsername == params.Username {
			items = append(items, msg.View("", ""))
		}
		if params.Filter != store.FilterSent && msg.RecipientUsername == params.Username {
			items = append(items, msg.View("", ""))
		}
	}
	return &model.Page{
		CurrentPage:  params.PageNumber,
		ItemsPerPage: params.PageSize,
		TotalItems:   len(items),
		TotalPages:   1,
		Items:        items,
	}, nil
}

func (s *fakeStore) GetThread(ctx context.Context, currentUsername, otherUsername string) ([]model.MessageView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[group.Name(currentUsername, otherUsername)], nil
}

func (s *fakeStore) Delete(ctx context.Context, id int64, requester string) error {
	return nil
}

func (s *fakeStore) committedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed) + len(s.pending)
}

// fakeUsers resolves a fixed set of accounts.
type fakeUsers struct {
	users map[string]*model.User
}

func (f *fakeUsers) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	if u, ok := f.users[strings.ToLower(username)]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

// newTestHandler テスト用のHandlerを生成
func newTestHandler(st store.MessageStore) *Handler {
	users := &fakeUsers{users: map[string]*model.User{
		"alice": {ID: 1, Username: "alice", DisplayName: "Alice A"},
		"bob":   {ID: 2, Username: "bob", DisplayName: "Bob B"},
		"carol": {ID: 3, Username: "carol", DisplayName: "Carol C"},
	}}
	return New(st, users, presence.NewTracker(), hub.New(), config.Config{
		TokenSecret:     testSecret,
		AllowedOrigins:  []string{"http://localhost:4200"},
		DefaultPageSize: 10,
		MaxPageSize:     50,
	})
}

func signToken(t *testing.T, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"unique_name": username,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func dialWS(t *testing.T, server *httptest.Server, username, peer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/ws/messages?user=" + peer + "&access_token=" + signToken(t, username)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket as %s: %v", username, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) hub.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Invalid frame %q: %v", data, err)
	}
	return env
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("Expected no frame, got %s", data)
	}
}

func invoke(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	env, err := hub.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

func TestConnect_Unauthenticated(t *testing.T) {
	h := newTestHandler(newFakeStore())
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/messages?user=bob"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected handshake to be refused without identity")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("Expected 401 refusal, got %+v", resp)
	}
}

func TestConnect_ReplaysThreadOldestFirst(t *testing.T) {
	st := newFakeStore()
	earlier := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Minute)
	st.threads[group.Name("alice", "bob")] = []model.MessageView{
		{ID: 1, SenderUsername: "bob", RecipientUsername: "alice", Content: "hey", SentAt: earlier},
		{ID: 2, SenderUsername: "alice", RecipientUsername: "bob", Content: "hello", SentAt: later},
	}

	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")

	env := readEnvelope(t, conn)
	if env.Type != EventReceiveMessageThread {
		t.Fatalf("Expected %s, got %s", EventReceiveMessageThread, env.Type)
	}

	var thread []model.MessageView
	if err := json.Unmarshal(env.Data, &thread); err != nil {
		t.Fatalf("Invalid thread payload: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(thread))
	}
	if thread[0].ID != 1 || thread[1].ID != 2 {
		t.Errorf("Thread must be oldest first, got ids %d, %d", thread[0].ID, thread[1].ID)
	}
}

// TestConnect_ThreadGoesToWholeGroup 既に開いているセッションにもスレッドが届くこと
func TestConnect_ThreadGoesToWholeGroup(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	first := dialWS(t, server, "alice", "bob")
	if env := readEnvelope(t, first); env.Type != EventReceiveMessageThread {
		t.Fatalf("Expected thread replay, got %s", env.Type)
	}

	// Bob joins the same conversation; the replay targets the group, so
	// alice's already-open session receives it too.
	second := dialWS(t, server, "bob", "alice")
	if env := readEnvelope(t, second); env.Type != EventReceiveMessageThread {
		t.Fatalf("Expected thread replay on joining session, got %s", env.Type)
	}
	if env := readEnvelope(t, first); env.Type != EventReceiveMessageThread {
		t.Fatalf("Expected thread replay on the peer's open session, got %s", env.Type)
	}
}

func TestSendMessage_ToSelf(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn) // thread replay

	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "Alice", Content: "hi me"})

	env := readEnvelope(t, conn)
	if env.Type != EventError {
		t.Fatalf("Expected Error frame, got %s", env.Type)
	}
	var perr ErrorPayload
	json.Unmarshal(env.Data, &perr)
	if perr.Message != "You cannot send message to yourself." {
		t.Errorf("Unexpected reason %q", perr.Message)
	}
	if st.committedCount() != 0 {
		t.Error("Self-send must never reach the store")
	}
	expectNoFrame(t, conn) // and never broadcast
}

func TestSendMessage_UnknownRecipient(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn)

	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "dave", Content: "hi"})

	env := readEnvelope(t, conn)
	if env.Type != EventError {
		t.Fatalf("Expected Error frame, got %s", env.Type)
	}
	var perr ErrorPayload
	json.Unmarshal(env.Data, &perr)
	if perr.Message != "Not found user" {
		t.Errorf("Unexpected reason %q", perr.Message)
	}
	if st.committedCount() != 0 {
		t.Error("Send to unknown recipient must never reach the store")
	}
}

func TestSendMessage_AlertsAndBroadcasts(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	// Bob is online in a different conversation, so his connection is
	// not a member of the alice-bob group.
	bobConn := dialWS(t, server, "bob", "carol")
	readEnvelope(t, bobConn) // bob-carol thread replay

	aliceConn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, aliceConn) // alice-bob thread replay

	invoke(t, aliceConn, EventSendMessage, SendMessagePayload{RecipientUsername: "bob", Content: "hi"})

	// Bob's other connection gets the lightweight alert.
	alert := readEnvelope(t, bobConn)
	if alert.Type != EventNewMessageReceived {
		t.Fatalf("Expected %s, got %s", EventNewMessageReceived, alert.Type)
	}
	var alertPayload AlertPayload
	if err := json.Unmarshal(alert.Data, &alertPayload); err != nil {
		t.Fatalf("Invalid alert payload: %v", err)
	}
	if alertPayload.Username != "alice" || alertPayload.DisplayName != "Alice A" {
		t.Errorf("Alert must name the sender, got %+v", alertPayload)
	}
	if strings.Contains(string(alert.Data), "hi") {
		t.Error("Alert must never carry message content")
	}

	// Alice's group-joined session gets the broadcast after commit.
	broadcast := readEnvelope(t, aliceConn)
	if broadcast.Type != EventNewMessage {
		t.Fatalf("Expected %s, got %s", EventNewMessage, broadcast.Type)
	}
	var view model.MessageView
	if err := json.Unmarshal(broadcast.Data, &view); err != nil {
		t.Fatalf("Invalid message payload: %v", err)
	}
	if view.Content != "hi" || view.SenderUsername != "alice" || view.RecipientUsername != "bob" {
		t.Errorf("Unexpected broadcast payload %+v", view)
	}
	if view.ID == 0 {
		t.Error("Broadcast must carry the persisted message id")
	}
	if view.SenderDisplayName != "Alice A" || view.RecipientDisplayName != "Bob B" {
		t.Errorf("Broadcast must carry display names, got %+v", view)
	}

	if st.committedCount() != 1 {
		t.Errorf("Expected exactly one committed message, got %d", st.committedCount())
	}
}

func TestSendMessage_StoreFailure(t *testing.T) {
	st := newFakeStore()
	st.failCommit = true
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn)

	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "bob", Content: "hi"})

	env := readEnvelope(t, conn)
	if env.Type != EventError {
		t.Fatalf("Expected Error frame, got %s", env.Type)
	}
	var perr ErrorPayload
	json.Unmarshal(env.Data, &perr)
	if perr.Code != ErrCodeStore {
		t.Errorf("Expected %s, got %s", ErrCodeStore, perr.Code)
	}

	// No broadcast without a confirmed commit.
	expectNoFrame(t, conn)

	// The failed message is gone for good: a later successful send
	// commits and broadcasts only itself.
	st.mu.Lock()
	st.failCommit = false
	st.mu.Unlock()

	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "bob", Content: "second try"})

	broadcast := readEnvelope(t, conn)
	if broadcast.Type != EventNewMessage {
		t.Fatalf("Expected NewMessage, got %s", broadcast.Type)
	}
	var view model.MessageView
	if err := json.Unmarshal(broadcast.Data, &view); err != nil {
		t.Fatalf("Invalid message payload: %v", err)
	}
	if view.Content != "second try" {
		t.Errorf("Expected only the new message broadcast, got %q", view.Content)
	}
	if st.committedCount() != 1 {
		t.Errorf("Expected only the new message committed, got %d", st.committedCount())
	}
}

func TestSendMessage_ErrorKeepsConnectionOpen(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn)

	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "alice", Content: "oops"})
	if env := readEnvelope(t, conn); env.Type != EventError {
		t.Fatalf("Expected Error frame, got %s", env.Type)
	}

	// The same session can still send successfully afterwards.
	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "bob", Content: "hi bob"})
	if env := readEnvelope(t, conn); env.Type != EventNewMessage {
		t.Fatalf("Expected NewMessage after recovering, got %s", env.Type)
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn)

	invoke(t, conn, EventSendMessage, SendMessagePayload{RecipientUsername: "bob", Content: "   "})

	env := readEnvelope(t, conn)
	if env.Type != EventError {
		t.Fatalf("Expected Error frame, got %s", env.Type)
	}
	if st.committedCount() != 0 {
		t.Error("Empty content must never reach the store")
	}
}

func TestUnknownInvocation(t *testing.T) {
	h := newTestHandler(newFakeStore())
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn)

	invoke(t, conn, "DancePartyTime", map[string]string{})

	env := readEnvelope(t, conn)
	if env.Type != EventError {
		t.Fatalf("Expected Error frame, got %s", env.Type)
	}
}

// recorderConn captures hub frames in delivery order.
type recorderConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recorderConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *recorderConn) Close() error { return nil }

// TestSendMessage_BroadcastOrderMatchesCommitOrder 同時送信でもコミット順で配信されること
func TestSendMessage_BroadcastOrderMatchesCommitOrder(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)

	observer := &recorderConn{}
	h.Hub.Register(observer, "observer")
	h.Hub.AddToGroup("observer", group.Name("alice", "bob"))

	// Few enough sends to fit the observer's queue even if its writer
	// never gets scheduled, so no frame can be dropped.
	const senders = 8
	const perSender = 8
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				h.sendMessage("no-such-conn", "alice", SendMessagePayload{RecipientUsername: "bob", Content: "hi"})
			}
		}()
	}
	wg.Wait()

	total := senders * perSender
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		observer.mu.Lock()
		count := len(observer.frames)
		observer.mu.Unlock()
		if count >= total {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.frames) != total {
		t.Fatalf("Expected %d broadcasts, got %d", total, len(observer.frames))
	}

	lastID := int64(0)
	for i, raw := range observer.frames {
		var env hub.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Invalid frame %q: %v", raw, err)
		}
		if env.Type != EventNewMessage {
			t.Fatalf("Unexpected frame type %s", env.Type)
		}
		var view model.MessageView
		if err := json.Unmarshal(env.Data, &view); err != nil {
			t.Fatalf("Invalid message payload: %v", err)
		}
		if view.ID <= lastID {
			t.Fatalf("Broadcast %d observed out of commit order: id %d after %d", i, view.ID, lastID)
		}
		lastID = view.ID
	}
}

// TestSendMessage_MixedCaseStoredUsernames 登録行の大文字小文字に関わらずグループが一致すること
func TestSendMessage_MixedCaseStoredUsernames(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	h.Users = &fakeUsers{users: map[string]*model.User{
		"alice": {ID: 1, Username: "Alice", DisplayName: "Alice A"},
		"bob":   {ID: 2, Username: "Bob", DisplayName: "Bob B"},
	}}
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	// Bob is online in another conversation; presence is keyed by the
	// lowercased username, not the stored casing.
	bobConn := dialWS(t, server, "bob", "carol")
	readEnvelope(t, bobConn)

	aliceConn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, aliceConn)

	invoke(t, aliceConn, EventSendMessage, SendMessagePayload{RecipientUsername: "Bob", Content: "hi"})

	if env := readEnvelope(t, bobConn); env.Type != EventNewMessageReceived {
		t.Fatalf("Expected alert despite mixed-case stored username, got %s", env.Type)
	}

	// The broadcast group must match the group the connect path joined.
	env := readEnvelope(t, aliceConn)
	if env.Type != EventNewMessage {
		t.Fatalf("Expected NewMessage on the sender's group session, got %s", env.Type)
	}
	var view model.MessageView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatalf("Invalid message payload: %v", err)
	}
	if view.SenderUsername != "Alice" || view.RecipientUsername != "Bob" {
		t.Errorf("Payload must carry the stored usernames, got %+v", view)
	}
}

func TestDisconnect_UpdatesPresence(t *testing.T) {
	st := newFakeStore()
	h := newTestHandler(st)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	conn := dialWS(t, server, "alice", "bob")
	readEnvelope(t, conn)

	if got := len(h.Presence.GetConnections("alice")); got != 1 {
		t.Fatalf("Expected alice online with 1 connection, got %d", got)
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.Presence.GetConnections("alice")) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Presence entry must be removed after the socket closes")
}
