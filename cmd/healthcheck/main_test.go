package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct {
		name, url, addr, want string
	}{
		{name: "default", want: "http://localhost:8080/healthz"},
		{name: "port only", addr: ":9090", want: "http://localhost:9090/healthz"},
		{name: "host and port", addr: "127.0.0.1:7000", want: "http://127.0.0.1:7000/healthz"},
		{name: "explicit url", url: "http://api:8080/healthz", addr: ":1", want: "http://api:8080/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := healthURL(); got != tt.want {
				t.Errorf("healthURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if !check(context.Background(), srv.Client(), srv.URL) {
		t.Error("expected healthy")
	}
	status = http.StatusServiceUnavailable
	if check(context.Background(), srv.Client(), srv.URL) {
		t.Error("expected unhealthy on 503")
	}
	srv.Close()
	if check(context.Background(), srv.Client(), srv.URL) {
		t.Error("expected unhealthy when server is down")
	}
}
