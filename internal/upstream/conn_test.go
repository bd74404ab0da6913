package upstream_test

import (
	"context"
	"crypto/tls"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/protoreg"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream/upstreamtest"
)

func protoDir() string {
	return filepath.Join("..", "..", "proto")
}

func startVenue(t *testing.T) *upstreamtest.Venue {
	t.Helper()
	v, err := upstreamtest.Start(protoDir())
	if err != nil {
		t.Fatalf("start venue: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func startConn(t *testing.T, v *upstreamtest.Venue) *upstream.Conn {
	t.Helper()
	c := upstream.NewConn(protoreg.New(protoDir()), upstream.Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		DefaultEnv:   "demo",
		DemoHost:     "127.0.0.1",
		LiveHost:     "127.0.0.1",
		Port:         v.Port(),
		TLSConfig:    &tls.Config{InsecureSkipVerify: true},
	}, zaptest.NewLogger(t))
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndCorrelatedSend(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	state, env := c.State()
	if state != upstream.StateReady || env != "demo" {
		t.Fatalf("state = %v env = %q, want ready demo", state, env)
	}

	resp, err := c.Send(ctx, upstream.SendRequest{
		PayloadKey: upstream.KeyTraderReq,
		Fields:     map[string]any{"ctidTraderAccountId": int64(111111)},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.PayloadName != "PROTO_OA_TRADER_RES" {
		t.Fatalf("PayloadName = %q", resp.PayloadName)
	}
	trader, ok := resp.Fields["trader"].(map[string]any)
	if !ok || trader["balance"] != int64(1_000_000) {
		t.Errorf("trader = %v", resp.Fields["trader"])
	}
}

func TestSystemResponseSettlesOldestPending(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The venue's account auth reply carries no correlation id.
	resp, err := c.Send(ctx, upstream.SendRequest{
		PayloadKey: upstream.KeyAccountAuthReq,
		Fields: map[string]any{
			"ctidTraderAccountId": int64(111111),
			"accessToken":         "tok",
		},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.PayloadName != "PROTO_OA_ACCOUNT_AUTH_RES" {
		t.Fatalf("PayloadName = %q", resp.PayloadName)
	}
	if resp.ClientMsgID != "" {
		t.Errorf("ClientMsgID = %q, want uncorrelated", resp.ClientMsgID)
	}
}

func TestSendTimeout(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	v.SetHandler(upstream.KeyTraderReq, func(map[string]any, string) []upstreamtest.Reply {
		return nil
	})

	_, err := c.Send(ctx, upstream.SendRequest{
		PayloadKey: upstream.KeyTraderReq,
		Fields:     map[string]any{"ctidTraderAccountId": int64(1)},
		Timeout:    100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "Request timeout (PROTO_OA_TRADER_REQ)") ||
		!strings.Contains(err.Error(), "clientMsgId=") {
		t.Errorf("timeout error = %q", err)
	}
}

func TestClientMsgIDsUnique(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := c.Send(ctx, upstream.SendRequest{
			PayloadKey: upstream.KeyTraderReq,
			Fields:     map[string]any{"ctidTraderAccountId": int64(111111)},
		}); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}

	ids := v.ClientMsgIDs()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || id == "0" {
			t.Errorf("invalid client message id %q", id)
		}
		if seen[id] {
			t.Errorf("duplicate client message id %q", id)
		}
		seen[id] = true
	}
	// App auth plus the five trader requests.
	if len(ids) != 6 {
		t.Errorf("venue saw %d ids, want 6", len(ids))
	}
}

func TestEventRouting(t *testing.T) {
	v := startVenue(t)

	type event struct {
		env    string
		name   string
		fields map[string]any
	}
	events := make(chan event, 16)

	c := startConn(t, v)
	c.SetEventHandler(func(env, name string, fields map[string]any) {
		events <- event{env, name, fields}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	if err := v.PushSpot(111111, 1, 109055, 109071); err != nil {
		t.Fatalf("PushSpot() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.name != "PROTO_OA_SPOT_EVENT" || ev.env != "demo" {
			t.Fatalf("event = %q env = %q", ev.name, ev.env)
		}
		if ev.fields["bid"] != uint64(109055) || ev.fields["symbolId"] != int64(1) {
			t.Errorf("fields = %v", ev.fields)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("spot event never arrived")
	}
}

func TestZeroLengthHeaderKeepsChannel(t *testing.T) {
	v := startVenue(t)

	events := make(chan string, 16)
	c := startConn(t, v)
	c.SetEventHandler(func(env, name string, fields map[string]any) {
		events <- name
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	// A zero-length header must be skipped without dropping the stream.
	if err := v.PushRaw([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("PushRaw() error = %v", err)
	}
	if err := v.PushSpot(111111, 2, 85000, 85010); err != nil {
		t.Fatalf("PushSpot() error = %v", err)
	}

	select {
	case name := <-events:
		if name != "PROTO_OA_SPOT_EVENT" {
			t.Fatalf("event = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not survive the bad header")
	}

	if _, err := c.Send(ctx, upstream.SendRequest{
		PayloadKey: upstream.KeyTraderReq,
		Fields:     map[string]any{"ctidTraderAccountId": int64(111111)},
	}); err != nil {
		t.Errorf("Send() after bad header error = %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	// Park a request at the venue, then cut the line under it.
	v.SetHandler(upstream.KeyTraderReq, func(map[string]any, string) []upstreamtest.Reply {
		return nil
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, upstream.SendRequest{
			PayloadKey: upstream.KeyTraderReq,
			Fields:     map[string]any{"ctidTraderAccountId": int64(111111)},
		})
		errCh <- err
	}()
	waitUntil(t, 2*time.Second, func() bool {
		for _, name := range v.Requests() {
			if name == upstream.KeyTraderReq {
				return true
			}
		}
		return false
	}, "request to reach venue")

	v.DropConnections()

	select {
	case err := <-errCh:
		if !errors.Is(err, upstream.ErrDisconnected) {
			t.Fatalf("pending settled with %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}

	// Backoff floor is 500ms; the channel should re-auth shortly after.
	if !v.WaitForAppAuths(2, 5*time.Second) {
		t.Fatal("no reconnect within deadline")
	}

	v.SetHandler(upstream.KeyTraderReq, func(fields map[string]any, id string) []upstreamtest.Reply {
		return []upstreamtest.Reply{{
			PayloadKey: "PROTO_OA_TRADER_RES",
			Fields: map[string]any{
				"ctidTraderAccountId": fields["ctidTraderAccountId"],
				"trader": map[string]any{
					"ctidTraderAccountId": fields["ctidTraderAccountId"],
					"balance":             int64(5),
					"depositAssetId":      int64(2),
				},
			},
		}}
	})

	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() after reconnect error = %v", err)
	}
	resp, err := c.Send(ctx, upstream.SendRequest{
		PayloadKey: upstream.KeyTraderReq,
		Fields:     map[string]any{"ctidTraderAccountId": int64(111111)},
	})
	if err != nil {
		t.Fatalf("Send() after reconnect error = %v", err)
	}
	if resp.PayloadName != "PROTO_OA_TRADER_RES" {
		t.Fatalf("PayloadName = %q", resp.PayloadName)
	}
}

func TestEnvSwitchReconnects(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady(demo) error = %v", err)
	}
	if err := c.EnsureReady(ctx, "live"); err != nil {
		t.Fatalf("EnsureReady(live) error = %v", err)
	}
	state, env := c.State()
	if state != upstream.StateReady || env != "live" {
		t.Fatalf("state = %v env = %q, want ready live", state, env)
	}
	if n := v.AppAuthCount(); n != 2 {
		t.Errorf("app auths = %d, want 2", n)
	}

	// Same env again is a no-op.
	if err := c.EnsureReady(ctx, "live"); err != nil {
		t.Fatalf("EnsureReady(live) again error = %v", err)
	}
	if n := v.AppAuthCount(); n != 2 {
		t.Errorf("app auths after no-op = %d, want 2", n)
	}
}

func TestStopRejectsPendingAndFutureSends(t *testing.T) {
	v := startVenue(t)
	c := startConn(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.EnsureReady(ctx, "demo"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	v.SetHandler(upstream.KeyTraderReq, func(map[string]any, string) []upstreamtest.Reply {
		return nil
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, upstream.SendRequest{
			PayloadKey: upstream.KeyTraderReq,
			Fields:     map[string]any{"ctidTraderAccountId": int64(1)},
		})
		errCh <- err
	}()
	waitUntil(t, 2*time.Second, func() bool {
		for _, name := range v.Requests() {
			if name == upstream.KeyTraderReq {
				return true
			}
		}
		return false
	}, "request to reach venue")

	c.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, upstream.ErrDisconnected) {
			t.Fatalf("pending settled with %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on stop")
	}

	if _, err := c.Send(ctx, upstream.SendRequest{
		PayloadKey: upstream.KeyTraderReq,
		Fields:     map[string]any{"ctidTraderAccountId": int64(1)},
	}); !errors.Is(err, upstream.ErrShuttingDown) {
		t.Errorf("Send() after stop = %v, want ErrShuttingDown", err)
	}
}
