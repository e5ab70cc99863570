package api

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu      sync.Mutex
	added   map[string][]int
	deleted []string
	addErr  error
	panics  bool
}

func (h *fakeHandler) AddDisk(name string, sizeMB int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panics {
		panic("boom")
	}
	if h.addErr != nil {
		return h.addErr
	}
	if h.added == nil {
		h.added = map[string][]int{}
	}
	h.added[name] = append(h.added[name], sizeMB)
	return nil
}

func (h *fakeHandler) DeleteDisks(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, name)
	return nil
}

type testServer struct {
	client *Client
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, h Handler) *testServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		client: &Client{Address: l.Addr().String()},
		addr:   l.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { ts.done <- NewServer(h, nil, nil).Serve(ctx, l) }()
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	return nil
}

func (ts *testServer) raw(t *testing.T, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(line))
	require.NoError(t, err)
	resp, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return resp
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAddAndDelete(t *testing.T) {
	h := &fakeHandler{}
	ts := startServer(t, h)

	require.Equal(t, "{\"message\":\"Ok\",\"status\":0}\n", ts.raw(t, "{\"name\":\"m1\",\"size\":5,\"type\":\"ADD\"}\n"))
	require.NoError(t, ts.client.Add(testContext(t), "m1", 10))
	require.NoError(t, ts.client.Delete(testContext(t), "m2"))

	require.Equal(t, []int{5, 10}, h.added["m1"])
	require.Equal(t, []string{"m2"}, h.deleted)
	require.NoError(t, ts.stop(t))
}

func TestRequestWithoutNewline(t *testing.T) {
	h := &fakeHandler{}
	ts := startServer(t, h)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{\"name\":\"m1\",\"size\":1,\"type\":\"ADD\"}"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	resp, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "{\"message\":\"Ok\",\"status\":0}\n", resp)
	require.NoError(t, ts.stop(t))
}

func TestErrors(t *testing.T) {
	h := &fakeHandler{addErr: errors.Wrap(ErrRejected, "queue full")}
	ts := startServer(t, h)

	for _, tc := range []struct {
		name string
		line string
		want string
	}{
		{
			name: "unknown type",
			line: "{\"name\":\"m1\",\"size\":0,\"type\":\"RESIZE\"}\n",
			want: "{\"message\":\"Unknown type RESIZE\",\"status\":1}",
		},
		{
			name: "rejected",
			line: "{\"name\":\"m1\",\"size\":1,\"type\":\"ADD\"}\n",
			want: "queue full",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.raw(t, tc.line)
			require.Contains(t, resp, tc.want)
			require.Contains(t, resp, "\"status\":1")
		})
	}

	resp, err := ts.client.Do(testContext(t), Request{Type: "ADD", Name: "x", Size: 1})
	require.NoError(t, err)
	require.Equal(t, StatusError, resp.Status)
	require.Error(t, ts.client.Add(testContext(t), "x", 1))

	malformed := ts.raw(t, "nope\n")
	require.Contains(t, malformed, "malformed request")

	// Caller errors are not failures of the server.
	require.NoError(t, ts.stop(t))
}

func TestUnexpectedErrorsAreReturnedOnExit(t *testing.T) {
	h := &fakeHandler{addErr: errors.New("disk on fire")}
	ts := startServer(t, h)
	require.Equal(t, "{\"message\":\"disk on fire\",\"status\":1}\n", ts.raw(t, "{\"name\":\"m1\",\"size\":1,\"type\":\"ADD\"}\n"))

	h.mu.Lock()
	h.addErr = nil
	h.panics = true
	h.mu.Unlock()
	require.Contains(t, ts.raw(t, "{\"name\":\"m1\",\"size\":1,\"type\":\"ADD\"}\n"), "handler panicked")

	err := ts.stop(t)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk on fire")
	require.Contains(t, err.Error(), "handler panicked")
}
