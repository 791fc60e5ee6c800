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

	"rosterline/internal/app"
	"rosterline/internal/config"
	"rosterline/internal/domain"
	"rosterline/internal/registry"
	"rosterline/internal/repo"
	"rosterline/internal/runner"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    config.Default("rosterline"),
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	ctx := context.Background()
	people := []domain.Person{
		{ID: "p_staff", Kind: "staff", FullName: "Anna Staff", Phone: "+15550001111", Campus: "default", IsActive: true},
		{ID: "p_1", Kind: "member", FullName: "Bea", Phone: "+15550002222", Campus: "default", Ministries: []string{"greeter"}, IsActive: true},
	}
	for _, p := range people {
		if err := a.Repo.InsertPerson(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}
	handler, err := New(Config{
		App:      a,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
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

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth status %d: %s", res.StatusCode, data)
	}

	if err := srv.App.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "key_1", ActorID: "tester", Name: "test", KeyHash: repo.HashAPIKey("k123"),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{
		"X-Api-Key": "k123",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key must 401, got %d", res.StatusCode)
	}
}

func TestInboundYesResolvesOffer(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	ensured, err := srv.App.Registry.Ensure(registry.EnsureParams{
		Role: "greeter", Time: "2026-03-15T09:00:00Z", TargetIncrement: 2, Actor: "+15550001111",
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	now := time.Now().UTC()
	if err := srv.App.Repo.InsertOffer(ctx, domain.Offer{
		RequestID: ensured.Request.ID, VolunteerID: "p_1", Ministry: "greeter",
		ExpiresAt: now.Add(24 * time.Hour).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed offer: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inbound", map[string]any{
		"from": "+15550002222", "body": "yes",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbound status %d: %s", res.StatusCode, data)
	}
	var result struct {
		Kind  string `json:"kind"`
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Kind != "offer.accepted" {
		t.Fatalf("kind: %+v", result)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var items []registry.FillRequest
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 1 || items[0].AcceptedCount != 1 {
		t.Fatalf("requests after accept: %+v", items)
	}
}

func TestInboundValidation(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inbound", map[string]any{
		"from": "", "body": "yes",
	}, actorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}

func TestRunGoalFallbackPlan(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/goals", map[string]any{
		"goal": map[string]any{
			"kind": "FillRole", "role": "greeter", "count": 1,
			"time": "2026-03-15T09:00:00Z", "request_id": "vr_api",
		},
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("goal status %d: %s", res.StatusCode, data)
	}
	var result runner.RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Plan.Method != "fill_roles" {
		t.Fatalf("method: %+v", result.Plan)
	}
	if !result.Execution.Success {
		t.Fatalf("execution failed: %+v", result.Execution)
	}
	offers, err := srv.App.Repo.ListAssignments(context.Background(), "vr_api", "")
	if err != nil || len(offers) == 0 {
		t.Fatalf("goal run produced no assignments: %v %v", offers, err)
	}
}

func TestCloseRequest(t *testing.T) {
	srv := newTestServer(t)
	ensured, err := srv.App.Registry.Ensure(registry.EnsureParams{
		Role: "usher", Time: "2026-03-15T11:00:00Z", TargetIncrement: 2, Actor: "+15550001111",
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests/"+ensured.Request.ID+"/close", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, data)
	}
	var closed registry.FillRequest
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if closed.Status != registry.StatusClosed {
		t.Fatalf("status: %+v", closed)
	}
	if active := srv.App.Registry.ListActive(); len(active) != 0 {
		t.Fatalf("closed request still active: %+v", active)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests/vr_missing/close", nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestEventLogExposed(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.App.Registry.Ensure(registry.EnsureParams{
		Role: "greeter", Time: "2026-03-15T09:00:00Z", TargetIncrement: 1, Actor: "+15550001111",
	}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?entity_kind=fill_request", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var entries []domain.EventLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected registry events in audit log")
	}
}
