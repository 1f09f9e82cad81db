package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"caseflow/internal/bus"
	"caseflow/internal/config"
	"caseflow/internal/coordinator"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/eventlog"
	"caseflow/internal/migrate"
	"caseflow/internal/notify"
	"caseflow/internal/repo"
	"caseflow/internal/source"
)

const (
	operatorKey = "op-secret"
	readerKey   = "rd-secret"
)

type stubSource struct{}

func (stubSource) Name() string     { return "stub" }
func (stubSource) Available() error { return nil }
func (stubSource) Fetch(_ context.Context, q source.Query) (source.Raw, error) {
	return source.Raw{}, nil
}
func (stubSource) Normalize(q source.Query, raw source.Raw) (source.Payload, error) {
	out := source.Payload{}
	for k, v := range q.Fields {
		out[k] = v
	}
	if err := source.ValidateFields(out, source.CauseUser); err != nil {
		return nil, err
	}
	return out, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *captureNotifier) Send(_ context.Context, m notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *captureNotifier) last() (notify.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return notify.Message{}, false
	}
	return c.sent[len(c.sent)-1], true
}

type testServer struct {
	URL      string
	client   *http.Client
	notifier *captureNotifier
	close    func()
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
	log, err := eventlog.Open(workspace)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	r := repo.Repo{DB: conn}
	for _, seed := range []domain.APIKey{
		{ID: "k-op", ActorID: "operator", Role: domain.RoleOperator, KeyHash: repo.HashAPIKey(operatorKey)},
		{ID: "k-rd", ActorID: "reader", Role: domain.RoleReader, KeyHash: repo.HashAPIKey(readerKey)},
	} {
		if err := r.InsertAPIKey(context.Background(), nil, seed); err != nil {
			t.Fatalf("seed api key: %v", err)
		}
	}

	cfg := config.Default()
	cfg.Workspace = workspace
	cfg.Retry.MaxAttempts = 1
	cfg.Mail.AdminInbox = "admin@corp.test"

	b := bus.New(log, bus.Synchronous())
	reg := source.NewRegistry()
	reg.Register(coordinator.SourceCompany, stubSource{}, 10)
	notifier := &captureNotifier{}
	coord := coordinator.New(b, log, r, reg, notifier,
		notify.Builder{From: "bot@corp.test", TokenDomain: "caseflow"}, nil, cfg)

	handler, err := New(Config{Coord: coord, Repo: r, BasePath: "/v0"})
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
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		notifier: notifier,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("X-Api-Key", operatorKey)
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

func TestTriggerToReport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"creator":   "alice@corp.test",
		"recipient": "reports@corp.test",
		"payload":   map[string]any{"company_name": "Acme", "domain": "acme.test"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("trigger status %d: %s", res.StatusCode, string(data))
	}
	var created TriggerResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != "report_sent" {
		t.Fatalf("status = %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.CorrelationID+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status lookup %d: %s", res.StatusCode, string(data))
	}
	var st StatusResponse
	_ = json.Unmarshal(data, &st)
	if st.Status != "report_sent" || !st.Terminal {
		t.Fatalf("status = %+v", st)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.CorrelationID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var events []EventDTO
	_ = json.Unmarshal(data, &events)
	if len(events) == 0 || events[0].Kind != "trigger_received" {
		t.Fatalf("events = %+v", events)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases?status=report_sent", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, string(data))
	}
	var list []repo.CachedCase
	_ = json.Unmarshal(data, &list)
	if len(list) != 1 || list[0].CorrelationID != created.CorrelationID {
		t.Fatalf("list = %+v", list)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/cases", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/healthz", nil)
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}
}

func TestReaderCannotMutate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"creator": "alice@corp.test",
		"payload": map[string]any{"company_name": "Acme", "domain": "acme.test"},
	}, map[string]string{"X-Api-Key": readerKey})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, map[string]string{"X-Api-Key": readerKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reader list status %d", res.StatusCode)
	}
}

func TestStatusUnknownCase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/CASE-nope/status", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReplyIngestion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// trigger without a domain pauses the case and mails a reminder
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"creator": "alice@corp.test",
		"payload": map[string]any{"company_name": "Acme"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("trigger %d: %s", res.StatusCode, string(data))
	}
	var created TriggerResponse
	_ = json.Unmarshal(data, &created)
	if created.Status != "pending_admin" {
		t.Fatalf("status = %s", created.Status)
	}
	reminder, ok := srv.notifier.last()
	if !ok {
		t.Fatal("no reminder mail captured")
	}

	raw := "Message-ID: <reply-1@mail.test>\r\n" +
		"From: alice@corp.test\r\n" +
		"In-Reply-To: " + reminder.MessageID + "\r\n" +
		"Subject: Re: " + reminder.Subject + "\r\n" +
		"\r\n" +
		"domain: acme.test\r\n"

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/replies", strings.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set("X-Api-Key", operatorKey)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post reply: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reply status %d: %s", resp.StatusCode, string(body))
	}
	var reply ReplyResponse
	_ = json.Unmarshal(body, &reply)
	if reply.CorrelationID != created.CorrelationID || reply.Duplicate {
		t.Fatalf("reply = %+v", reply)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.CorrelationID+"/status", nil, nil)
	var st StatusResponse
	_ = json.Unmarshal(data, &st)
	if st.Status != "report_sent" {
		t.Fatalf("status after reply = %s (%s)", st.Status, string(data))
	}
}

func TestAbortAndFixConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"creator": "alice@corp.test",
		"payload": map[string]any{"company_name": "Acme"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("trigger %d: %s", res.StatusCode, string(data))
	}
	var created TriggerResponse
	_ = json.Unmarshal(data, &created)

	// fix on a case that is not needs_admin_fix conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.CorrelationID+"/fix", map[string]any{
		"fields": map[string]any{"domain": "acme.test"},
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.CorrelationID+"/abort", map[string]any{
		"reason": "operator request",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("abort %d: %s", res.StatusCode, string(data))
	}
	var st StatusResponse
	_ = json.Unmarshal(data, &st)
	if st.Status != "aborted" || !st.Terminal {
		t.Fatalf("abort result = %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/CASE-nope/abort", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRecoverEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/recover", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recover %d: %s", res.StatusCode, string(data))
	}
}
