package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPollCommandDedup(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		out, _ := json.Marshal(Command{CommandID: "cmd-1", Command: "set_power_percent"})
		w.Write(out)
	}))
	defer srv.Close()

	client, err := NewBackendClient(srv.URL, "dev-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	cmd, present, dup, err := client.PollCommand(context.Background())
	if err != nil || !present || dup {
		t.Fatalf("first poll: cmd=%v present=%v dup=%v err=%v", cmd, present, dup, err)
	}

	_, present, dup, err = client.PollCommand(context.Background())
	if err != nil || !present || !dup {
		t.Fatalf("second poll should be flagged duplicate: present=%v dup=%v err=%v", present, dup, err)
	}
}

func TestPollCommandEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client, err := NewBackendClient(srv.URL, "dev-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, present, _, err := client.PollCommand(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Fatal("expected no pending command")
	}
}

func TestCheckConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _ := json.Marshal(ConfigCheckResponse{ConfigChanged: true})
		w.Write(out)
	}))
	defer srv.Close()

	client, err := NewBackendClient(srv.URL, "dev-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.CheckConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !resp.ConfigChanged {
		t.Fatal("expected ConfigChanged=true")
	}
}
