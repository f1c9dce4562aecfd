package graph

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/shineum/mail-gateway/internal/email"
)

// newTestMessage returns a minimal valid message.
func newTestMessage() *email.Message {
	return &email.Message{To: []string{"a@x.io"}, Subject: "Hi", Body: "Hello"}
}

// mockGraph emulates the Graph mail surface in-process: token endpoint,
// draft CRUD, small attachments, upload sessions with chunk PUTs, and
// sendMail. Hooks let tests inject failures per endpoint.
type mockGraph struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	nextID   int
	drafts   map[string]*mockDraft
	sessions []*mockSession

	tokenCalls    atomic.Int32
	sendMailCalls atomic.Int32
	deleteCalls   map[string]int

	// sendMailBodies holds every sendMail request body, raw-decoded for
	// key-level assertions.
	sendMailBodies []map[string]any

	// Hooks return true when they fully handled the request.
	draftHook    func(w http.ResponseWriter, r *http.Request) bool
	chunkHook    func(session, chunk int, w http.ResponseWriter, r *http.Request) bool
	sendMailHook func(w http.ResponseWriter, r *http.Request) bool
	deleteHook   func(w http.ResponseWriter, r *http.Request) bool
}

// mockDraft is one server-side draft with its raw create payload and
// any attachments added afterwards.
type mockDraft struct {
	id          string
	payload     map[string]any
	attachments []map[string]any
}

// mockSession records the chunk PUTs of one upload session.
type mockSession struct {
	draftID  string
	total    int64
	received int64
	ranges   []string
	chunks   int
}

func newMockGraph(t *testing.T) *mockGraph {
	t.Helper()

	m := &mockGraph{
		t:           t,
		drafts:      make(map[string]*mockDraft),
		deleteCalls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", m.handleToken)
	mux.HandleFunc("POST /v1.0/users/{user}/messages", m.handleCreateDraft)
	mux.HandleFunc("GET /v1.0/users/{user}/messages/{id}", m.handleGetDraft)
	mux.HandleFunc("DELETE /v1.0/users/{user}/messages/{id}", m.handleDeleteDraft)
	mux.HandleFunc("PATCH /v1.0/users/{user}/messages/{id}", m.handlePatch)
	mux.HandleFunc("POST /v1.0/users/{user}/messages/{id}/attachments", m.handleAddAttachment)
	mux.HandleFunc("GET /v1.0/users/{user}/messages/{id}/attachments", m.handleListAttachments)
	mux.HandleFunc("POST /v1.0/users/{user}/messages/{id}/attachments/createUploadSession", m.handleCreateUploadSession)
	mux.HandleFunc("POST /v1.0/users/{user}/sendMail", m.handleSendMail)
	mux.HandleFunc("PUT /upload/{session}", m.handleChunk)

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

// sender builds a Sender wired against the mock.
func (m *mockGraph) sender(t *testing.T, opts ...Option) *Sender {
	t.Helper()

	base := []Option{
		WithBaseURL(m.srv.URL + "/v1.0"),
		WithTokenURL(m.srv.URL + "/token"),
		WithHTTPClient(m.srv.Client()),
	}
	s, err := New(Config{
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		Sender:       "sender@example.com",
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func (m *mockGraph) handleToken(w http.ResponseWriter, r *http.Request) {
	m.tokenCalls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
}

func (m *mockGraph) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	if m.draftHook != nil && m.draftHook(w, r) {
		return
	}
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		m.t.Errorf("createDraft Authorization: got %q", got)
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextID++
	id := "M" + strconv.Itoa(m.nextID)
	m.drafts[id] = &mockDraft{id: id, payload: payload}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"id":%q}`, id)
}

func (m *mockGraph) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	draft, ok := m.drafts[r.PathValue("id")]
	m.mu.Unlock()
	if !ok {
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "draft not found")
		return
	}

	// Echo the draft back with the read-only properties a real draft
	// GET carries; the materialize step must drop them.
	out := map[string]any{
		"id":                   draft.id,
		"createdDateTime":      "2026-01-01T00:00:00Z",
		"lastModifiedDateTime": "2026-01-01T00:00:00Z",
		"changeKey":            "CQAAABYA",
		"isDraft":              true,
		"parentFolderId":       "AAMkAD",
	}
	for k, v := range draft.payload {
		out[k] = v
	}

	atts := make([]map[string]any, 0, len(draft.attachments))
	for _, a := range draft.attachments {
		withExtras := map[string]any{
			"id":                   "att-1",
			"lastModifiedDateTime": "2026-01-01T00:00:00Z",
		}
		for k, v := range a {
			withExtras[k] = v
		}
		atts = append(atts, withExtras)
	}
	out["attachments"] = atts

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (m *mockGraph) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m.mu.Lock()
	m.deleteCalls[id]++
	m.mu.Unlock()

	if m.deleteHook != nil && m.deleteHook(w, r) {
		return
	}

	m.mu.Lock()
	_, ok := m.drafts[id]
	delete(m.drafts, id)
	m.mu.Unlock()
	if !ok {
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "draft not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *mockGraph) handlePatch(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"isRead":true}`)
}

func (m *mockGraph) handleAddAttachment(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	draft, ok := m.drafts[r.PathValue("id")]
	m.mu.Unlock()
	if !ok {
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "draft not found")
		return
	}

	var att map[string]any
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	draft.attachments = append(draft.attachments, att)
	m.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, `{"id":"att-1"}`)
}

func (m *mockGraph) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	draft, ok := m.drafts[r.PathValue("id")]
	m.mu.Unlock()
	if !ok {
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "message not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"value": draft.attachments})
}

func (m *mockGraph) handleCreateUploadSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttachmentItem struct {
			AttachmentType string `json:"attachmentType"`
			Name           string `json:"name"`
			Size           int64  `json:"size"`
		} `json:"AttachmentItem"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AttachmentItem.AttachmentType != "file" {
		m.t.Errorf("attachmentType: got %q, want %q", req.AttachmentItem.AttachmentType, "file")
	}

	m.mu.Lock()
	session := &mockSession{
		draftID: r.PathValue("id"),
		total:   req.AttachmentItem.Size,
	}
	m.sessions = append(m.sessions, session)
	n := len(m.sessions)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"uploadUrl":%q,"expirationDateTime":"2026-12-31T00:00:00Z"}`,
		m.srv.URL+"/upload/"+strconv.Itoa(n))
}

func (m *mockGraph) handleChunk(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("session"))
	if err != nil || idx < 1 {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	if idx > len(m.sessions) {
		m.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	session := m.sessions[idx-1]
	session.chunks++
	chunk := session.chunks
	m.mu.Unlock()

	if m.chunkHook != nil && m.chunkHook(idx, chunk, w, r) {
		return
	}

	if got := r.Header.Get("Authorization"); got != "" {
		m.t.Errorf("chunk PUT carries Authorization header %q", got)
	}

	var start, end, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		http.Error(w, "bad Content-Range", http.StatusBadRequest)
		return
	}

	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	session.ranges = append(session.ranges, r.Header.Get("Content-Range"))
	session.received += int64(len(body))
	complete := end+1 >= session.total
	next := end + 1
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if complete {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"att-upl"}`)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"nextExpectedRanges":["%d-"]}`, next)
}

func (m *mockGraph) handleSendMail(w http.ResponseWriter, r *http.Request) {
	m.sendMailCalls.Add(1)

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.sendMailBodies = append(m.sendMailBodies, body)
	m.mu.Unlock()

	if m.sendMailHook != nil && m.sendMailHook(w, r) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeGraphError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}

// autoAdvance drains backoff sleeps on a fake clock so retrying tests
// run instantly. The helper goroutine stays blocked in BlockUntil once
// the test stops sleeping; that is fine for a test binary.
func autoAdvance(clock *clockwork.FakeClock) {
	go func() {
		for {
			clock.BlockUntil(1)
			clock.Advance(backoffCap + time.Second)
		}
	}()
}
