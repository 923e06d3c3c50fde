package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Levels in increasing severity.
const (
	LevelDebug int32 = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu    sync.Mutex
	base  = log.New(os.Stdout, "", 0)
	level atomic.Int32
)

func init() { level.Store(LevelInfo) }

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Store(LevelDebug)
		return
	}
	level.Store(LevelInfo)
}

// SetLevel accepts DEBUG, INFO, WARN/WARNING or ERROR (any case). Unknown names fall back to INFO.
func SetLevel(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		level.Store(LevelDebug)
	case "WARN", "WARNING":
		level.Store(LevelWarn)
	case "ERROR", "CRITICAL":
		level.Store(LevelError)
	default:
		level.Store(LevelInfo)
	}
}

// SetOutput redirects log lines. ProxyCommand helpers point this at stderr since stdout carries the tunnel.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(lvl int32, name, msg string, f Fields) {
	if lvl < level.Load() {
		return
	}
	out := make(Fields, len(f)+3)
	for k, v := range f {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = name
	out["msg"] = msg
	b, err := json.Marshal(out)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith(LevelInfo, "info", msg, f) }
func Warn(msg string, f Fields)  { logWith(LevelWarn, "warn", msg, f) }
func Error(msg string, f Fields) { logWith(LevelError, "error", msg, f) }
func Debug(msg string, f Fields) { logWith(LevelDebug, "debug", msg, f) }
