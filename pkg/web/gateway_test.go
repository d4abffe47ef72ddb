package web_test

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fluxorio/switchboard/pkg/statemachine"
	"github.com/fluxorio/switchboard/pkg/web"
)

func startGateway(t *testing.T, reg *statemachine.Registry, cfg web.GatewayConfig) *fasthttp.Client {
	t.Helper()

	g := web.NewGateway(reg, cfg)
	ln := fasthttputil.NewInmemoryListener()

	done := make(chan struct{})
	go func() {
		_ = g.Serve(ln)
		close(done)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = g.Shutdown()
		<-done
	})

	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
}

func doRequest(t *testing.T, client *fasthttp.Client, method, uri, body string, headers map[string]string) (int, string) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://test" + uri)
	if body != "" {
		req.SetBodyString(body)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if err := client.Do(req, resp); err != nil {
		t.Fatalf("%s %s: %v", method, uri, err)
	}
	return resp.StatusCode(), string(resp.Body())
}

func callTable(t *testing.T) *statemachine.DescriptorTable {
	t.Helper()
	table, err := statemachine.NewBuilder("call").
		InitialState("IDLE").
		State("IDLE").On("INCOMING_CALL", "RINGING").Done().
		State("RINGING").On("ANSWER", "CONNECTED").Done().
		State("CONNECTED").On("HANGUP", "HUNGUP").Done().
		State("HUNGUP").Final().Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return table
}

func createMachine(t *testing.T, reg *statemachine.Registry, table *statemachine.DescriptorTable, id string) *statemachine.Machine {
	t.Helper()
	m, err := reg.CreateOrGet(context.Background(), id, func(id string) (*statemachine.Machine, error) {
		return statemachine.NewMachine(id, table, &statemachine.BaseContext{})
	})
	if err != nil {
		t.Fatalf("CreateOrGet(%s): %v", id, err)
	}
	return m
}

func waitState(t *testing.T, m *statemachine.Machine, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.CurrentState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want %q", m.CurrentState(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestGatewayEventFlow(t *testing.T) {
	reg := statemachine.NewRegistry(statemachine.Config{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	client := startGateway(t, reg, web.GatewayConfig{})

	table := callTable(t)
	m := createMachine(t, reg, table, "call-1")

	status, body := doRequest(t, client, "POST", "/v1/machines/call-1/events",
		`{"name":"INCOMING_CALL","data":{"caller":"+15551234"}}`, nil)
	if status != fasthttp.StatusAccepted {
		t.Fatalf("POST event: status = %d, body = %s", status, body)
	}
	waitState(t, m, "RINGING")

	status, body = doRequest(t, client, "GET", "/v1/machines/call-1", "", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("GET machine: status = %d", status)
	}
	var snap struct {
		ID    string `json:"id"`
		Kind  string `json:"kind"`
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.ID != "call-1" || snap.Kind != "call" || snap.State != "RINGING" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGatewayRejections(t *testing.T) {
	reg := statemachine.NewRegistry(statemachine.Config{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	client := startGateway(t, reg, web.GatewayConfig{})

	table := callTable(t)
	createMachine(t, reg, table, "call-1")

	tests := []struct {
		name   string
		method string
		uri    string
		body   string
		want   int
	}{
		{"unknown machine get", "GET", "/v1/machines/ghost", "", fasthttp.StatusNotFound},
		{"unknown machine event", "POST", "/v1/machines/ghost/events", `{"name":"X"}`, fasthttp.StatusNotFound},
		{"bad json", "POST", "/v1/machines/call-1/events", `{not json`, fasthttp.StatusBadRequest},
		{"missing name", "POST", "/v1/machines/call-1/events", `{"data":{}}`, fasthttp.StatusBadRequest},
		{"unknown route", "GET", "/v1/nope", "", fasthttp.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doRequest(t, client, tt.method, tt.uri, tt.body, nil)
			if status != tt.want {
				t.Fatalf("status = %d, want %d (body = %s)", status, tt.want, body)
			}
		})
	}
}

func TestGatewayBusyMachine(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	table, err := statemachine.NewBuilder("slow").
		InitialState("WORKING").
		State("WORKING").Stay("TICK", func(ctx context.Context, m *statemachine.Machine, event interface{}) error {
			entered <- struct{}{}
			<-release
			return nil
		}).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	reg := statemachine.NewRegistry(statemachine.Config{MailboxCapacity: 1})
	t.Cleanup(func() {
		close(release)
		reg.Shutdown(context.Background())
	})
	client := startGateway(t, reg, web.GatewayConfig{})
	createMachine(t, reg, table, "slow-1")

	ctx := context.Background()
	if !reg.SendEvent(ctx, "slow-1", statemachine.GenericEvent{Name: "TICK"}) {
		t.Fatalf("first TICK rejected")
	}
	<-entered
	if !reg.SendEvent(ctx, "slow-1", statemachine.GenericEvent{Name: "TICK"}) {
		t.Fatalf("second TICK rejected")
	}

	// Handler blocked, mailbox full: the gateway maps the rejection to 429.
	status, _ := doRequest(t, client, "POST", "/v1/machines/slow-1/events", `{"name":"TICK"}`, nil)
	if status != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", status)
	}
}

func TestGatewayDraining(t *testing.T) {
	reg := statemachine.NewRegistry(statemachine.Config{})
	client := startGateway(t, reg, web.GatewayConfig{})

	table := callTable(t)
	createMachine(t, reg, table, "call-1")
	reg.Shutdown(context.Background())

	status, _ := doRequest(t, client, "POST", "/v1/machines/call-1/events", `{"name":"INCOMING_CALL"}`, nil)
	if status != fasthttp.StatusServiceUnavailable {
		t.Fatalf("POST while draining: status = %d, want 503", status)
	}
	status, body := doRequest(t, client, "GET", "/healthz", "", nil)
	if status != fasthttp.StatusServiceUnavailable || !strings.Contains(body, "draining") {
		t.Fatalf("healthz while draining: status = %d, body = %s", status, body)
	}
}

func TestGatewayHealthAndMetrics(t *testing.T) {
	reg := statemachine.NewRegistry(statemachine.Config{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	client := startGateway(t, reg, web.GatewayConfig{})

	status, body := doRequest(t, client, "GET", "/healthz", "", nil)
	if status != fasthttp.StatusOK || !strings.Contains(body, "ok") {
		t.Fatalf("healthz: status = %d, body = %s", status, body)
	}
	status, _ = doRequest(t, client, "GET", "/metrics", "", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("metrics: status = %d", status)
	}
}
