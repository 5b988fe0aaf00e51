package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

func TestParseRanking(t *testing.T) {
	cases := []struct {
		answer string
		n      int
		want   int
		ok     bool
	}{
		{"2", 3, 1, true},
		{" Candidate 3.\n", 3, 2, true},
		{"1", 1, 0, true},
		{"4", 3, 0, false},
		{"0", 3, 0, false},
		{"none of them", 2, 0, false},
	}
	for _, tc := range cases {
		got, err := parseRanking(tc.answer, tc.n)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.answer, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrUnparseableRanking) {
				t.Fatalf("%q: expected ErrUnparseableRanking, got %v", tc.answer, err)
			}
			continue
		}
		if got.Index != tc.want {
			t.Fatalf("%q: expected index %d, got %d", tc.answer, tc.want, got.Index)
		}
	}
}

func TestNewRankerDisabled(t *testing.T) {
	r, err := NewRanker(config.RankingConfig{Enabled: false})
	if err != nil || r != nil {
		t.Fatalf("expected nil ranker, got %v %v", r, err)
	}
	if _, err := NewRanker(config.RankingConfig{Enabled: true, Mode: "psychic"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestMockRankerPicksFirst(t *testing.T) {
	r, err := NewRanker(config.RankingConfig{Enabled: true, Mode: "mock"})
	if err != nil {
		t.Fatalf("new ranker: %v", err)
	}
	res, err := r.Rank(context.Background(), RankRequest{Candidates: []string{"a", "b"}, Timeout: time.Second})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if res.Index != 0 {
		t.Fatalf("expected index 0, got %d", res.Index)
	}
}

func TestOllamaRanker(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"Candidate 2","done":true}`)
	}))
	defer srv.Close()

	r := NewModelRanker(NewOllamaCompleter(srv.URL+"/", "tiny"))
	res, err := r.Rank(context.Background(), RankRequest{
		ValueType:  "email",
		Locale:     "en-US",
		Candidates: []string{"jane at gmail dot com", "jane at gmail dot calm"},
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if res.Index != 1 {
		t.Fatalf("expected index 1, got %d", res.Index)
	}
	if got.Model != "tiny" || got.Stream || got.Options.NumPredict != 8 {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(got.Prompt, "2. jane at gmail dot calm") {
		t.Fatalf("prompt does not list candidates: %q", got.Prompt)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewModelRanker(NewOllamaCompleter(srv.URL, ""))
	if _, err := r.Rank(context.Background(), RankRequest{Candidates: []string{"a", "b"}}); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestExecRanker(t *testing.T) {
	cases := map[string]int{
		`sh -c 'cat >/dev/null; echo "{\"content\":\"2\"}"'`: 1,
		`sh -c 'cat >/dev/null; echo 1'`:                         0,
	}
	for command, want := range cases {
		r, err := NewRanker(config.RankingConfig{Enabled: true, Mode: "exec", Command: command})
		if err != nil {
			t.Fatalf("new ranker: %v", err)
		}
		res, err := r.Rank(context.Background(), RankRequest{Candidates: []string{"a", "b"}, Timeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("%s: rank: %v", command, err)
		}
		if res.Index != want {
			t.Fatalf("%s: expected index %d, got %d", command, want, res.Index)
		}
	}
}

func TestExecRankerReportsFailure(t *testing.T) {
	r, err := NewRanker(config.RankingConfig{Enabled: true, Mode: "exec", Command: `sh -c 'echo "{\"error\":\"no model\"}"'`})
	if err != nil {
		t.Fatalf("new ranker: %v", err)
	}
	if _, err := r.Rank(context.Background(), RankRequest{Candidates: []string{"a", "b"}}); err == nil || !strings.Contains(err.Error(), "no model") {
		t.Fatalf("expected model error, got %v", err)
	}
	if _, err := NewRanker(config.RankingConfig{Enabled: true, Mode: "exec", Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
