package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "remindbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "remindbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s := New(cfg, reg, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, Config{})
	s.AddCheck("store", func(context.Context) error { return nil })

	code, body := get(t, ts.URL+"/healthz", "")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, `"store":"ok"`) {
		t.Fatalf("healthz = %d %s", code, body)
	}

	code, body = get(t, ts.URL+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "remindbot_test_total 1") {
		t.Fatalf("metrics = %d %s", code, body)
	}

	code, _ = get(t, ts.URL+"/debug/pprof/", "")
	if code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestHealthzDegraded(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, Config{})
	s.AddCheck("telegram", func(context.Context) error { return errors.New("poller down") })

	code, body := get(t, ts.URL+"/healthz", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "poller down") {
		t.Fatalf("healthz = %d %s", code, body)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{Token: "s3cret"})

	tests := []struct {
		name   string
		url    string
		bearer string
		want   int
	}{
		{name: "missing", url: "/healthz", want: http.StatusUnauthorized},
		{name: "wrong", url: "/healthz", bearer: "nope", want: http.StatusUnauthorized},
		{name: "header", url: "/healthz", bearer: "s3cret", want: http.StatusOK},
		{name: "query", url: "/metrics?token=s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := get(t, ts.URL+tt.url, tt.bearer); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestStartRefusesPublicWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatal("server never bound")
	}
	if code, _ := get(t, "http://"+s.Addr()+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
