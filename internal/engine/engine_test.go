package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/testutil/testlog"
	"github.com/danmuck/edgeipc/internal/transport"
	"github.com/stretchr/testify/require"
)

type codedError struct{}

func (codedError) Error() string     { return "disk full" }
func (codedError) ErrorName() string { return "StorageError" }
func (codedError) ErrorCode() string { return "E_STORAGE" }

func eventsFor(e *Engine) transport.Events {
	return transport.Events{
		OnConnect:    e.HandleConnect,
		OnDisconnect: func(_ transport.Peer, err error) { e.HandleDisconnect(err) },
		OnMessage:    e.HandleMessage,
	}
}

func newPair(t *testing.T, timeout time.Duration) (*Engine, *Engine, *observability.Recorder, transport.Peer) {
	t.Helper()
	rec := observability.NewRecorder()
	r := router.New()
	require.NoError(t, r.AddRoute("echo", func(_ context.Context, body json.RawMessage, _ *router.Request) (any, error) {
		return body, nil
	}))
	require.NoError(t, r.AddRoute("fail", func(context.Context, json.RawMessage, *router.Request) (any, error) {
		return nil, codedError{}
	}))
	require.NoError(t, r.AddRoute("panic", func(context.Context, json.RawMessage, *router.Request) (any, error) {
		panic("boom")
	}))
	require.NoError(t, r.AddRoute("wait", func(context.Context, json.RawMessage, *router.Request) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return "done", nil
	}))
	require.NoError(t, r.AddRoute("huge", func(context.Context, json.RawMessage, *router.Request) (any, error) {
		return strings.Repeat("x", 9<<20), nil
	}))
	client := New(Config{Endpoint: "client", Timeout: timeout, Sink: rec})
	server := New(Config{Endpoint: "server", Timeout: timeout, Router: r, Sink: rec})
	pc, _ := transport.Pipe(eventsFor(client), eventsFor(server))
	t.Cleanup(func() { _ = pc.Close() })
	return client, server, rec, pc
}

func waitPending(t *testing.T, e *Engine, n int) []PendingRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := e.Pending(); len(p) == n {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending never reached %d (have %d)", n, len(e.Pending()))
	return nil
}

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	client, _, _, _ := newPair(t, time.Second)
	require.True(t, client.Connected())

	out, err := client.Request(context.Background(), "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))
	require.Empty(t, client.Pending())
}

func TestMissingRouteSurfacesAsRequestError(t *testing.T) {
	testlog.Start(t)
	client, _, rec, _ := newPair(t, time.Second)

	_, err := client.Request(context.Background(), "x", nil)
	var reqErr *ipcerr.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, ipcerr.KindMissingRoute.Code(), reqErr.Code)
	require.Equal(t, "x", reqErr.Resource)
	require.ErrorIs(t, err, ipcerr.ErrMissingRoute)
	require.ErrorIs(t, err, ipcerr.ErrRequest)
	require.NotEmpty(t, reqErr.Stack)

	_, ok := rec.Wait(observability.EventRequestError, time.Second)
	require.True(t, ok)
}

func TestRemoteErrorKeepsNameAndCode(t *testing.T) {
	testlog.Start(t)
	client, _, _, _ := newPair(t, time.Second)

	_, err := client.Request(context.Background(), "fail", nil)
	var reqErr *ipcerr.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "disk full", reqErr.Message)
	require.Equal(t, "StorageError", reqErr.OriginalName)
	require.Equal(t, "E_STORAGE", reqErr.Code)
	require.Contains(t, err.Error(), "RequestError<StorageError>")
}

func TestHandlerPanicIsAnsweredNotFatal(t *testing.T) {
	testlog.Start(t)
	client, _, _, _ := newPair(t, time.Second)

	_, err := client.Request(context.Background(), "panic", nil)
	require.ErrorIs(t, err, ipcerr.ErrRequest)
	require.Contains(t, err.Error(), "boom")

	out, err := client.Request(context.Background(), "echo", "still here")
	require.NoError(t, err)
	require.Equal(t, `"still here"`, string(out))
}

func TestTimeoutLawAndLateReplyDropped(t *testing.T) {
	testlog.Start(t)
	rec := observability.NewRecorder()
	client := New(Config{Endpoint: "client", Timeout: 60 * time.Millisecond, Sink: rec})
	pc, _ := transport.Pipe(eventsFor(client), transport.Events{})
	defer pc.Close()

	errCh := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := client.Request(context.Background(), "slow", nil)
		errCh <- err
	}()
	id := waitPending(t, client, 1)[0].RequestID

	err := <-errCh
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	require.ErrorIs(t, err, ipcerr.ErrTimeout)
	require.Empty(t, client.Pending())

	client.HandleResponse(&envelope.Response{RequestID: id, Status: envelope.StatusSuccess})
	d, ok := rec.Wait(observability.EventUnmatchedResponse, time.Second)
	require.True(t, ok)
	require.Equal(t, id, d.Fields["request_id"])
}

func TestZeroTimeoutWaitsForContext(t *testing.T) {
	testlog.Start(t)
	client := New(Config{Endpoint: "client"})
	pc, _ := transport.Pipe(eventsFor(client), transport.Events{})
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, ipcerr.ErrRequest)
	require.Empty(t, client.Pending())
}

func TestMalformedResponseIsDiagnostic(t *testing.T) {
	testlog.Start(t)
	rec := observability.NewRecorder()
	e := New(Config{Endpoint: "client", Sink: rec})
	e.HandleResponse(nil)
	e.HandleResponse(&envelope.Response{RequestID: "1", Status: "weird"})
	require.Len(t, rec.Events(observability.EventMalformedResponse), 2)
}

func TestDisconnectLaw(t *testing.T) {
	testlog.Start(t)
	rec := observability.NewRecorder()
	client := New(Config{Endpoint: "client", Timeout: 5 * time.Second, Sink: rec})
	silent, _ := transport.Pipe(eventsFor(client), transport.Events{})

	inflight := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "hang", nil)
		inflight <- err
	}()
	waitPending(t, client, 1)
	require.NoError(t, silent.Close())

	select {
	case err := <-inflight:
		require.ErrorIs(t, err, ipcerr.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatalf("in-flight request did not fail on disconnect")
	}
	require.False(t, client.Connected())
	_, ok := rec.Wait(observability.EventDisconnect, time.Second)
	require.True(t, ok)

	type reply struct {
		n   int
		out json.RawMessage
		err error
	}
	replies := make(chan reply, 3)
	for i := 1; i <= 3; i++ {
		go func(n int) {
			out, err := client.Request(context.Background(), "echo", n)
			replies <- reply{n, out, err}
		}(i)
		pending := waitPending(t, client, i)
		require.True(t, pending[i-1].Queued)
	}

	var mu sync.Mutex
	var order []string
	r := router.New()
	require.NoError(t, r.AddRoute("echo", func(_ context.Context, body json.RawMessage, _ *router.Request) (any, error) {
		return body, nil
	}))
	server := New(Config{Endpoint: "server", Router: r})
	serverEvents := eventsFor(server)
	serverEvents.OnMessage = func(p transport.Peer, m envelope.Message) {
		if m.Request != nil {
			mu.Lock()
			order = append(order, string(m.Request.Body))
			mu.Unlock()
		}
		server.HandleMessage(p, m)
	}
	pc, _ := transport.Pipe(eventsFor(client), serverEvents)
	defer pc.Close()

	for i := 0; i < 3; i++ {
		rep := <-replies
		require.NoError(t, rep.err)
		require.Equal(t, fmt.Sprint(rep.n), string(rep.out))
	}
	mu.Lock()
	require.Equal(t, []string{"1", "2", "3"}, order)
	mu.Unlock()
	require.Empty(t, client.Pending())
}

func TestConcurrentRequestsSettleExactlyOnce(t *testing.T) {
	testlog.Start(t)
	client, _, _, _ := newPair(t, 2*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := client.Request(context.Background(), "echo", n)
			if err != nil {
				errs <- err
				return
			}
			if string(out) != fmt.Sprint(n) {
				errs <- fmt.Errorf("request %d got %s", n, out)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	require.Empty(t, client.Pending())
}

func TestSendEventsAndDisconnectedSend(t *testing.T) {
	testlog.Start(t)
	got := make(chan string, 1)
	receiver := New(Config{Endpoint: "server", OnEvent: func(_ transport.Peer, tag string, body json.RawMessage) {
		got <- tag + "=" + string(body)
	}})
	sender := New(Config{Endpoint: "client"})

	err := sender.Send("status", 1)
	require.True(t, errors.Is(err, ipcerr.ErrDisconnected))

	pc, _ := transport.Pipe(eventsFor(sender), eventsFor(receiver))
	defer pc.Close()
	require.NoError(t, sender.Send("status", map[string]bool{"ok": true}))
	select {
	case v := <-got:
		require.Equal(t, `status={"ok":true}`, v)
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestRequestValidation(t *testing.T) {
	testlog.Start(t)
	e := New(DefaultConfig())
	_, err := e.Request(context.Background(), "", nil)
	require.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	_, err = e.Request(context.Background(), "echo", json.RawMessage(`{bad`))
	require.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	_, err = e.Request(context.Background(), "echo", func() {})
	require.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	require.Empty(t, e.Pending())
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	testlog.Start(t)
	a, err := strconv.ParseUint(NextRequestID(), 10, 64)
	require.NoError(t, err)
	b, err := strconv.ParseUint(NextRequestID(), 10, 64)
	require.NoError(t, err)
	require.Greater(t, b, a)
}

func TestOversizeRequestFailsAloneAndKeepsConnection(t *testing.T) {
	testlog.Start(t)
	client, _, _, _ := newPair(t, 2*time.Second)

	slow := make(chan error, 1)
	go func() {
		out, err := client.Request(context.Background(), "wait", nil)
		if err == nil && string(out) != `"done"` {
			err = fmt.Errorf("unexpected body %s", out)
		}
		slow <- err
	}()
	waitPending(t, client, 1)

	_, err := client.Request(context.Background(), "echo", strings.Repeat("x", 9<<20))
	require.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	require.True(t, client.Connected())

	select {
	case err := <-slow:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight request never settled")
	}
}

func TestOversizeResultIsAnsweredWithError(t *testing.T) {
	testlog.Start(t)
	client, _, rec, _ := newPair(t, 2*time.Second)

	_, err := client.Request(context.Background(), "huge", nil)
	require.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	require.Contains(t, err.Error(), "cannot be sent")
	require.True(t, client.Connected())

	d, ok := rec.Wait(observability.EventRequestError, time.Second)
	require.True(t, ok)
	require.Equal(t, "huge", d.Fields["resource"])

	out, err := client.Request(context.Background(), "echo", 1)
	require.NoError(t, err)
	require.Equal(t, "1", string(out))
}

func TestPendingSortsNumerically(t *testing.T) {
	testlog.Start(t)
	e := New(Config{Endpoint: "sorted", Timeout: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 12; i++ {
		go func() { _, _ = e.Request(ctx, "r", nil) }()
	}
	pending := waitPending(t, e, 12)
	for i := 1; i < len(pending); i++ {
		a, _ := strconv.ParseUint(pending[i-1].RequestID, 10, 64)
		b, _ := strconv.ParseUint(pending[i].RequestID, 10, 64)
		require.Less(t, a, b)
	}
}
