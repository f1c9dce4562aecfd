package graph

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
)

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing tenant", Config{ClientID: "c", ClientSecret: "s", Sender: "a@x.io"}},
		{"missing client id", Config{TenantID: "t", ClientSecret: "s", Sender: "a@x.io"}},
		{"missing secret", Config{TenantID: "t", ClientID: "c", Sender: "a@x.io"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error for incomplete credentials")
			}
		})
	}
}

func TestNew_RejectsInvalidSender(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "not-an-address"})
	var verr *email.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error: got %v, want ValidationError", err)
	}
	if verr.Field != "sender" {
		t.Errorf("field: got %q, want sender", verr.Field)
	}
}

func TestSendOptions_NormalizedDefaults(t *testing.T) {
	t.Parallel()

	got := SendOptions{}.normalized()
	if got.LargeAttachmentThreshold != DefaultLargeAttachmentThreshold {
		t.Errorf("threshold: got %d, want %d", got.LargeAttachmentThreshold, DefaultLargeAttachmentThreshold)
	}
	if got.ChunkSize != DefaultChunkSize {
		t.Errorf("chunk size: got %d, want %d", got.ChunkSize, DefaultChunkSize)
	}
	if got.MaxAttachmentBytes != DefaultMaxAttachmentBytes {
		t.Errorf("aggregate cap: got %d, want %d", got.MaxAttachmentBytes, DefaultMaxAttachmentBytes)
	}
	if got.RequestTimeout != 0 {
		t.Errorf("request timeout: got %v, want 0", got.RequestTimeout)
	}
	if got.SaveToSentItems {
		t.Error("save to sent items: got true, want false")
	}

	custom := SendOptions{
		LargeAttachmentThreshold: 1,
		ChunkSize:                2,
		MaxAttachmentBytes:       3,
		RequestTimeout:           4 * time.Second,
	}.normalized()
	if custom.LargeAttachmentThreshold != 1 || custom.ChunkSize != 2 || custom.MaxAttachmentBytes != 3 {
		t.Errorf("explicit values overridden: %+v", custom)
	}
}

func TestClose_LeavesInjectedClientAlone(t *testing.T) {
	t.Parallel()

	cfg := Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "a@x.io"}

	injected := &http.Client{}
	s, err := New(cfg, WithHTTPClient(injected))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ownsClient {
		t.Error("injected client marked as owned")
	}
	s.Close()

	owned, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !owned.ownsClient {
		t.Error("default client not marked as owned")
	}
	if owned.httpClient.Timeout != 2*time.Minute {
		t.Errorf("default client timeout: got %v, want 2m", owned.httpClient.Timeout)
	}
	owned.Close()
}

func TestUserURL_EscapesMailbox(t *testing.T) {
	t.Parallel()

	s, err := New(Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "a@x.io"},
		WithBaseURL("https://example.com/v1.0"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	got := s.userURL("joint venture@x.io", "/messages")
	want := "https://example.com/v1.0/users/joint%20venture@x.io/messages"
	if got != want {
		t.Errorf("userURL: got %q, want %q", got, want)
	}
}
