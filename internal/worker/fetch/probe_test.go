package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

func TestHTTPProber_Probe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"200", http.StatusOK, false},
		{"301はリダイレクト先を確認", http.StatusMovedPermanently, false},
		{"405はHEAD非対応として到達可能", http.StatusMethodNotAllowed, false},
		{"404", http.StatusNotFound, true},
		{"503", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var method string
			mux := http.NewServeMux()
			mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				method = r.Method
				if tt.status == http.StatusMovedPermanently {
					http.Redirect(w, r, "/moved", tt.status)
					return
				}
				w.WriteHeader(tt.status)
			})
			ts := httptest.NewServer(mux)
			defer ts.Close()

			p := NewHTTPProber(ts.Client(), time.Second, "test")
			err := p.Probe(context.Background(), model.Source{Name: "x", BaseURL: ts.URL + "/"})
			if (err != nil) != tt.wantErr {
				t.Errorf("Probe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if method != http.MethodHead {
				t.Errorf("メソッド = %s, want HEAD", method)
			}
		})
	}
}

func TestHTTPProber_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	p := NewHTTPProber(ts.Client(), 50*time.Millisecond, "test")
	err := p.Probe(context.Background(), model.Source{Name: "slow", FeedURL: ts.URL})
	if err == nil {
		t.Fatal("タイムアウトでエラーになるべき")
	}
	if !model.IsRetryable(err) {
		t.Errorf("タイムアウトは一時的なエラーとして分類されるべき: %v", err)
	}
}
