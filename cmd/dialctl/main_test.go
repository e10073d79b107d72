package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	types "github.com/sebas/dialtest/api/types/v1"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDTMFCommand(t *testing.T) {
	var got types.DTMFRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dtmf" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(types.DTMFResponse{Tones: []string{"1", "#"}})
	}))
	defer srv.Close()

	out, err := run(t, "--api", srv.URL, "dtmf", "1#")
	if err != nil {
		t.Fatalf("dtmf: %v", err)
	}
	if got.Digits != "1#" || !strings.Contains(out, "sent 1 #") {
		t.Errorf("request = %+v, output = %q", got, out)
	}
}

func TestStateCommandPrintsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.CallState{State: "connected", Remote: "+15550100"})
	}))
	defer srv.Close()

	out, err := run(t, "--api", srv.URL, "state")
	if err != nil {
		t.Fatal(err)
	}
	var st types.CallState
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if st.State != "connected" {
		t.Errorf("state = %+v", st)
	}
}

func TestCallRequiresDestination(t *testing.T) {
	if _, err := run(t, "call"); err == nil {
		t.Error("call without destination should fail")
	}
}
