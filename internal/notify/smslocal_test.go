package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewSMSLocalClient_Defaults(t *testing.T) {
	client := NewSMSLocalClient("api-key", "", "")
	if client.BaseURL != "https://www.smslocal.com/dev/bulkV2" {
		t.Errorf("BaseURL = %q, want default", client.BaseURL)
	}
	if client.HTTPClient == nil || client.HTTPClient.Timeout != defaultSMSTimeout {
		t.Errorf("HTTPClient timeout not set to %v", defaultSMSTimeout)
	}
}

func TestSendText_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.Header.Get("Authorization") != "test-api-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Decode body: %v", err)
		}
		if body["numbers"] != "15551234567" {
			t.Errorf("numbers = %v, want digits without +", body["numbers"])
		}
		if body["message"] != "hello" {
			t.Errorf("message = %v", body["message"])
		}
		if body["sender_id"] != "COSMIC" {
			t.Errorf("sender_id = %v", body["sender_id"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewSMSLocalClient("test-api-key", server.URL, "COSMIC")
	if err := client.SendText(context.Background(), "+15551234567", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
}

func TestSendText_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid number"}`))
	}))
	defer server.Close()

	err := NewSMSLocalClient("k", server.URL, "").SendText(context.Background(), "123", "x")
	if err == nil || !strings.Contains(err.Error(), "status=400") {
		t.Fatalf("err = %v, want status=400", err)
	}
}

func TestSendText_NoAPIKey(t *testing.T) {
	if err := NewSMSLocalClient("", "", "").SendText(context.Background(), "1", "x"); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestSendText_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewSMSLocalClient("k", server.URL, "").SendText(ctx, "1", "x"); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
