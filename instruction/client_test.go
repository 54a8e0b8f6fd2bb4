package instruction

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/tutorstream/reconnect"
)

type sseServer struct {
	*httptest.Server
	conns  atomic.Int32
	tokens chan string
	// handle writes the stream for connection n (1-based).
	handle func(n int32, w http.ResponseWriter, flush func())
}

func newSSEServer(t *testing.T, handle func(n int32, w http.ResponseWriter, flush func())) *sseServer {
	t.Helper()
	s := &sseServer{tokens: make(chan string, 16), handle: handle}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.conns.Add(1)
		s.tokens <- r.URL.Query().Get("token")
		flusher := w.(http.Flusher)
		s.handle(n, w, flusher.Flush)
	}))
	t.Cleanup(s.Close)
	return s
}

func streamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func fastPolicy() reconnect.Policy {
	return reconnect.Policy{BaseDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxAttempts: 3}
}

type collector struct {
	mu  sync.Mutex
	got []Instruction
}

func (c *collector) add(in Instruction) {
	c.mu.Lock()
	c.got = append(c.got, in)
	c.mu.Unlock()
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, in := range c.got {
		out[i] = in.Text
	}
	return out
}

func TestInstructionsFanOutToListeners(t *testing.T) {
	release := make(chan struct{})
	srv := newSSEServer(t, func(n int32, w http.ResponseWriter, flush func()) {
		streamHeaders(w)
		fmt.Fprint(w, "event: instruction\ndata: Focus on the denominator\n\n")
		flush()
		<-release
		fmt.Fprint(w, "event: keepalive\ndata: {}\n\n")
		fmt.Fprint(w, "event: instruction\ndata: Wrap up in two minutes\n\n")
		flush()
		time.Sleep(time.Second)
	})
	defer close(release)

	c := New(Options{URL: srv.URL + "/sse/instructions", Token: "sse-token", Policy: fastPolicy()})
	var a, b collector
	c.Subscribe(a.add)
	unsubscribeB := c.Subscribe(b.add)

	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()
	assert.Equal(t, "sse-token", <-srv.tokens)

	require.Eventually(t, func() bool { return len(b.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	unsubscribeB()
	release <- struct{}{}

	require.Eventually(t, func() bool { return len(a.texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Focus on the denominator", "Wrap up in two minutes"}, a.texts())
	assert.Equal(t, []string{"Focus on the denominator"}, b.texts())
	assert.False(t, c.LastKeepalive().IsZero())
}

func TestStreamEndTriggersReconnect(t *testing.T) {
	srv := newSSEServer(t, func(n int32, w http.ResponseWriter, flush func()) {
		streamHeaders(w)
		fmt.Fprintf(w, "event: instruction\ndata: connection %d\n\n", n)
		flush()
		if n >= 2 {
			time.Sleep(time.Second)
		}
	})

	c := New(Options{URL: srv.URL, Policy: fastPolicy()})
	var got collector
	c.Subscribe(got.add)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()

	require.Eventually(t, func() bool { return len(got.texts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connection 1", "connection 2"}, got.texts())
	assert.Zero(t, c.sched.Attempts())
}

func TestErrorStatusTriggersReconnect(t *testing.T) {
	srv := newSSEServer(t, func(n int32, w http.ResponseWriter, flush func()) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		streamHeaders(w)
		flush()
		time.Sleep(time.Second)
	})

	c := New(Options{URL: srv.URL, Policy: fastPolicy()})
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		return srv.conns.Load() == 2 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	srv := newSSEServer(t, func(n int32, w http.ResponseWriter, flush func()) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := New(Options{URL: srv.URL, Policy: reconnect.Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5}})
	require.NoError(t, c.Start(t.Context()))
	require.Eventually(t, c.sched.Pending, time.Second, 2*time.Millisecond)

	c.Stop()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), srv.conns.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStopClosesOpenStream(t *testing.T) {
	closed := make(chan struct{})
	srv := newSSEServer(t, func(n int32, w http.ResponseWriter, flush func()) {
		streamHeaders(w)
		flush()
		select {
		case <-time.After(2 * time.Second):
		case <-closed:
		}
	})
	defer close(closed)

	c := New(Options{URL: srv.URL, Policy: fastPolicy()})
	require.NoError(t, c.Start(t.Context()))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), srv.conns.Load())
}

func TestStreamFraming(t *testing.T) {
	srv := newSSEServer(t, func(n int32, w http.ResponseWriter, flush func()) {
		streamHeaders(w)
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: instruction\nid: 7\ndata: line one\ndata: line two\n\n")
		fmt.Fprint(w, "data: unnamed events are not instructions\n\n")
		fmt.Fprint(w, "event: keepalive\r\ndata:\r\n\r\n")
		fmt.Fprint(w, "event: instruction\r\ndata: {\"instruction\":\"Check the sign\"}\r\n\r\n")
		flush()
		time.Sleep(time.Second)
	})

	c := New(Options{URL: srv.URL, Policy: fastPolicy()})
	var got collector
	c.Subscribe(got.add)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()

	require.Eventually(t, func() bool { return len(got.texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"line one\nline two", "Check the sign"}, got.texts())
	got.mu.Lock()
	assert.Equal(t, "7", got.got[0].ID)
	got.mu.Unlock()
	assert.False(t, c.LastKeepalive().IsZero())
}

func TestDecodePayload(t *testing.T) {
	assert.Equal(t, "Ask about fractions", decodePayload("Ask about fractions"))
	assert.Equal(t, "Ask \"why\"", decodePayload(`"Ask \"why\""`))
	assert.Equal(t, "Slow down", decodePayload(`{"instruction":"Slow down"}`))
	assert.Equal(t, "Recap", decodePayload(`{"text":"Recap"}`))
}
