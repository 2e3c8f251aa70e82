package amcp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeEngine returns a DialFunc that, on each dial, hands the caller one
// end of a net.Pipe and runs handle on the other end in a goroutine,
// simulating a remote playout engine.
func fakeEngine(t *testing.T, handle func(r *bufio.Reader, w net.Conn)) DialFunc {
	t.Helper()
	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			handle(bufio.NewReader(server), server)
		}()
		return client, nil
	}
}

// echoOK replies "202 OK" to every line it reads until the pipe closes.
func echoOK(r *bufio.Reader, w net.Conn) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		_ = line
		if _, err := w.Write([]byte("202 OK\r\n")); err != nil {
			return
		}
	}
}

func TestConnDispatchSuccess(t *testing.T) {
	dial := fakeEngine(t, echoOK)
	c := NewConn("fake:5250", dial, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	b := NewBatch("fake:5250")
	b.Add("PLAY 1-10")

	result, err := c.Send(context.Background(), b)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	// DEFER, PLAY, RESUME => 3 replies
	if len(result.Replies) != 3 {
		t.Fatalf("len(replies) = %d, want 3", len(result.Replies))
	}
	for _, r := range result.Replies {
		if !r.Success() {
			t.Errorf("reply %+v not success", r)
		}
	}
}

// rejectSecond replies 202 to the first line and 501 ERROR to every line
// after that, simulating scenario S5 (remote rejects one slot's batch).
func rejectSecond(r *bufio.Reader, w net.Conn) {
	count := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		_ = line
		count++
		if count == 1 {
			w.Write([]byte("202 OK\r\n"))
		} else {
			w.Write([]byte("501 ERROR\r\n"))
		}
	}
}

func TestConnDispatchRemoteError(t *testing.T) {
	dial := fakeEngine(t, rejectSecond)
	c := NewConn("fake:5250", dial, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	b := NewBatch("fake:5250")
	b.Add("PLAY 1-10")

	_, err := c.Send(context.Background(), b)
	remoteErr, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("err = %v (%T), want *RemoteError", err, err)
	}
	if remoteErr.Code != 501 {
		t.Errorf("RemoteError.Code = %d, want 501", remoteErr.Code)
	}

	// The connection should stay usable: RemoteError does not reconnect.
	if got := c.State(); got == StateReconnecting {
		t.Errorf("state = %v, RemoteError must not trigger reconnect", got)
	}
}

func TestConnReconnectsAfterNetworkError(t *testing.T) {
	attempt := 0
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		attempt++
		client, server := net.Pipe()
		if attempt == 1 {
			// First connection: accept one write then hang up hard.
			go func() {
				r := bufio.NewReader(server)
				_, _ = r.ReadString('\n')
				server.Close()
			}()
		} else {
			go echoOK(bufio.NewReader(server), server)
		}
		return client, nil
	}

	c := NewConn("fake:5250", dial, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	b1 := NewBatch("fake:5250")
	b1.Add("PLAY 1-10")
	_, err := c.Send(context.Background(), b1)
	if err == nil {
		t.Fatal("expected error on first batch over a dropped connection")
	}

	// Give the reconnect loop a moment, then confirm a later batch succeeds.
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		b2 := NewBatch("fake:5250")
		b2.Add("PLAY 1-10")
		sctx, scancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, lastErr = c.Send(sctx, b2)
		scancel()
		if lastErr == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connection never recovered: last error %v", lastErr)
}

func TestCallFrameParsesReply(t *testing.T) {
	dial := fakeEngine(t, func(r *bufio.Reader, w net.Conn) {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.Contains(line, "FRAME") {
				w.Write([]byte("201 FRAME OK 777\r\n"))
			} else {
				w.Write([]byte("202 OK\r\n"))
			}
		}
	})
	c := NewConn("fake:5250", dial, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	frame, ok, err := c.CallFrame(context.Background(), Layer{Channel: 1, Layer: 10})
	if err != nil || !ok {
		t.Fatalf("CallFrame = (%d,%v,%v), want ok", frame, ok, err)
	}
	if frame != 777 {
		t.Errorf("frame = %d, want 777", frame)
	}
}
