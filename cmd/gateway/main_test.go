package main

import (
	"bytes"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/matst80/httpssh/internal/obs"
)

func TestRunUsageErrors(t *testing.T) {
	if code := run([]string{"-h"}); code != 0 {
		t.Fatalf("-h exit %d", code)
	}
	if code := run([]string{"-auth", "missing-colon"}); code != 2 {
		t.Fatalf("bad auth exit %d", code)
	}
	if code := run([]string{"-listen-port", "0"}); code != 2 {
		t.Fatalf("bad port exit %d", code)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

func TestRunWarnsWhenAuthDisabled(t *testing.T) {
	var logs syncBuffer
	obs.SetOutput(&logs)
	t.Cleanup(func() { obs.SetOutput(os.Stdout) })

	done := make(chan int, 1)
	go func() {
		done <- run([]string{"-listen-host", "127.0.0.1", "-listen-port", freePort(t), "-shutdown-grace", "1s"})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), `"msg":"gateway.ready"`) {
		select {
		case code := <-done:
			t.Fatalf("run exited early with %d: %s", code, logs.String())
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway not ready: %s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}

	var warned bool
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"msg":"gateway.auth.disabled"`) && strings.Contains(line, `"level":"warn"`) {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected auth warning, got: %s", logs.String())
	}
}
