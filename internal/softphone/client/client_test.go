package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	types "github.com/sebas/dialtest/api/types/v1"
)

func TestClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/call" {
			http.NotFound(w, r)
			return
		}
		var req types.CallRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(types.CallState{State: "calling", Remote: req.Destination})
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL + "/").Call(context.Background(), "+15550100")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if st.State != "calling" || st.Remote != "+15550100" {
		t.Errorf("state = %+v", st)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "calling provider not ready", Kind: "ProviderNotReady"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Hangup(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Kind != "ProviderNotReady" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClientInject(t *testing.T) {
	var got []byte
	var ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype = r.Header.Get("Content-Type")
		got, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(types.SpeakResponse{Bytes: len(got)})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Inject(context.Background(), []byte("RIFFdata"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "RIFFdata" || ctype != "audio/wav" || resp.Bytes != 8 {
		t.Errorf("body = %q, type = %q, resp = %+v", got, ctype, resp)
	}
}
