package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dealline/internal/db"
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authed(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mintToken(t)}
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestDealLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authed(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"projectId": "cermaq-01",
		"name":      "Plataforma Salmonera",
		"customer":  "Cermaq",
		"stage":     "quote_sent",
		"amount":    1000,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Deal
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal deal: %v", err)
	}
	if created.ExpectedValue != 400 {
		t.Fatalf("expectedValue = %v", created.ExpectedValue)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/cermaq-01/classify", map[string]any{
		"text": "si, aceptaron la propuesta",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("classify status %d: %s", res.StatusCode, string(data))
	}
	var cls engine.ClassifyResult
	if err := json.Unmarshal(data, &cls); err != nil {
		t.Fatalf("unmarshal classify: %v", err)
	}
	if !cls.OK || cls.To != "accepted" {
		t.Fatalf("classify result = %+v", cls)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/cermaq-01/transition", map[string]any{
		"stage": "po_received",
		"note":  "OC recibida",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var moved domain.Deal
	_ = json.Unmarshal(data, &moved)
	if moved.Stage != "po_received" {
		t.Fatalf("stage = %q", moved.Stage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sweep", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
	var report domain.SweepReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.OK || report.UpdatedProjects != 1 {
		t.Fatalf("report = %+v", report)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?project=cermaq-01", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want finance task", len(tasks))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project=cermaq-01", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []domain.Event
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("got %d events, want create + classify + transition", len(evts))
	}
	if actor, _ := evts[0].Meta["actor"].(string); actor != "tester" {
		t.Fatalf("event actor = %v, want token subject", evts[0].Meta)
	}
}

func TestCreateDealRejectsNegativeAmount(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"projectId": "p1",
		"name":      "x",
		"stage":     "quote_sent",
		"amount":    -500,
	}, authed(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestTransitionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authed(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/ghost/transition", map[string]any{
		"stage": "accepted",
	}, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	if _, err := doJSONDeal(t, client, srv.URL, headers); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/cermaq-01/transition", map[string]any{
		"stage": "won",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid stage, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_stage" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func doJSONDeal(t *testing.T, client *http.Client, baseURL string, headers map[string]string) (domain.Deal, error) {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, baseURL+"/v0/deals", map[string]any{
		"projectId": "cermaq-01",
		"name":      "Plataforma",
		"stage":     "quote_sent",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed deal status %d: %s", res.StatusCode, string(data))
	}
	var d domain.Deal
	return d, json.Unmarshal(data, &d)
}
