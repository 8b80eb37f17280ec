package email

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConnectProxy runs a single-connection HTTP CONNECT proxy that echoes
// tunneled bytes back to the client.
func startConnectProxy(t *testing.T, wantAuth string) (addr string, gotTarget chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	gotTarget = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		gotTarget <- req.Host

		if req.Header.Get("Proxy-Authorization") != wantAuth {
			io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
		io.Copy(conn, br)
	}()

	return ln.Addr().String(), gotTarget
}

func TestDialThroughConnectProxy(t *testing.T) {
	// user:pass
	addr, target := startConnectProxy(t, "Basic dXNlcjpwYXNz")

	conn, err := dial(context.Background(), "http://user:pass@"+addr, "imap.example.com:993", time.Second)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "imap.example.com:993", <-target)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestDialProxyRejectsAuth(t *testing.T) {
	addr, _ := startConnectProxy(t, "Basic c29tZXRoaW5nLWVsc2U=")

	_, err := dial(context.Background(), "http://user:pass@"+addr, "imap.example.com:993", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "407")
}

func TestDialUnsupportedScheme(t *testing.T) {
	_, err := dial(context.Background(), "ftp://127.0.0.1:21", "imap.example.com:993", time.Second)
	assert.Error(t, err)
}
