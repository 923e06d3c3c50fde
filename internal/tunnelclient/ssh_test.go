package tunnelclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshBackend runs a minimal SSH server that accepts any client and answers "ping@test" requests.
func sshBackend(t *testing.T) func(net.Conn) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)
	return func(c net.Conn) {
		defer c.Close()
		sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
		if err != nil {
			return
		}
		defer sc.Close()
		go func() {
			for nc := range chans {
				_ = nc.Reject(ssh.Prohibited, "no channels")
			}
		}()
		for r := range reqs {
			_ = r.Reply(r.Type == "ping@test", []byte("pong"))
		}
	}
}

func TestSSHHandshakeOverTunnel(t *testing.T) {
	ts, _ := startGateway(t, sshBackend(t))
	c := newClient(t, ts.URL)
	id, err := c.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	local, remote := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (&Pump{Client: c, In: remote, Out: remote}).Run(ctx, id) }()

	_ = local.SetDeadline(time.Now().Add(10 * time.Second))
	conn, chans, reqs, err := ssh.NewClientConn(local, "tunnel", &ssh.ClientConfig{
		User:            "codex",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh handshake: %v", err)
	}
	client := ssh.NewClient(conn, chans, reqs)
	ok, payload, err := client.SendRequest("ping@test", true, nil)
	if err != nil || !ok || string(payload) != "pong" {
		t.Fatalf("request: ok=%v payload=%q err=%v", ok, payload, err)
	}
	if _, err := client.NewSession(); err == nil {
		t.Fatal("server should reject channels")
	}
	_ = client.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}
}
