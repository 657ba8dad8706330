package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInternalAuth_EmptyTokenDisablesCheck(t *testing.T) {
	a := newInternalAuth("")
	req := httptest.NewRequest(http.MethodPost, "/internal/worker/tasks", nil)
	if !a.authorized(req) {
		t.Fatal("expected empty token to disable the check")
	}
}

func TestInternalAuth_RejectsWrongToken(t *testing.T) {
	a := newInternalAuth("correct-token")
	req := httptest.NewRequest(http.MethodPost, "/internal/worker/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	if a.authorized(req) {
		t.Fatal("expected wrong token to be rejected")
	}
}

func TestInternalAuth_AcceptsCorrectToken(t *testing.T) {
	a := newInternalAuth("correct-token")
	req := httptest.NewRequest(http.MethodPost, "/internal/worker/tasks", nil)
	req.Header.Set("Authorization", "Bearer correct-token")
	if !a.authorized(req) {
		t.Fatal("expected correct token to be accepted")
	}
}

func TestInternalAuth_RejectsMissingHeader(t *testing.T) {
	a := newInternalAuth("correct-token")
	req := httptest.NewRequest(http.MethodPost, "/internal/worker/tasks", nil)
	if a.authorized(req) {
		t.Fatal("expected missing Authorization header to be rejected")
	}
}

func TestWantsSSE_QueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks?stream=1", nil)
	if !wantsSSE(req) {
		t.Fatal("expected stream=1 query param to request SSE")
	}
}

func TestWantsSSE_AcceptHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Accept", "text/event-stream")
	if !wantsSSE(req) {
		t.Fatal("expected Accept: text/event-stream to request SSE")
	}
}

func TestWantsSSE_DefaultFalse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	if wantsSSE(req) {
		t.Fatal("expected plain GET /tasks to not request SSE")
	}
}
