package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	_, ok := r.Last()
	assert.False(t, ok)

	r.GoToURL("https://as.example.com/authorize?state=1")
	r.GoToURLWithPlaceholder("https://as.example.com/authorize?state=2", "error_page")

	assert.Len(t, r.Visits(), 2)
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "error_page", last.Placeholder)
}

func TestAgentFollowsRedirects(t *testing.T) {
	var hits []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/authorize":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
			http.Redirect(w, r, "/callback?code=abc", http.StatusFound)
		case "/callback":
			c, err := r.Cookie("session")
			if err != nil || c.Value != "s1" {
				http.Error(w, "no session", http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, "done")
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAgent()
	a.Start(ctx)

	a.GoToURL(srv.URL + "/authorize")
	a.Wait()

	mu.Lock()
	assert.Equal(t, []string{"/authorize", "/callback"}, hits)
	mu.Unlock()
	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, http.StatusOK, history[0].Status)
	assert.Equal(t, "done", history[0].Body)
}

func TestAgentReportsPlaceholderPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
	}))
	defer srv.Close()

	got := make(chan Page, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAgent(OnPlaceholder(func(_ context.Context, placeholder string, page Page) {
		assert.Equal(t, "redirect_uri_error", placeholder)
		got <- page
	}))
	a.Start(ctx)

	a.GoToURLWithPlaceholder(srv.URL+"/authorize", "redirect_uri_error")
	a.Wait()

	page := <-got
	assert.Equal(t, http.StatusBadRequest, page.Status)
	assert.Contains(t, page.Body, "invalid redirect_uri")
}

func TestAgentDropsNavigationsAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAgent()
	a.Start(ctx)
	cancel()
	<-a.stopped

	a.GoToURL("http://127.0.0.1:1/authorize")
	a.GoToURLWithPlaceholder("http://127.0.0.1:1/authorize", "error_page")

	waited := make(chan struct{})
	go func() {
		a.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the agent stopped")
	}
	assert.Empty(t, a.History())
}
