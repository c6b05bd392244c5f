package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts one session and records what the client sent
type fakeSMTP struct {
	listener net.Listener
	mu       sync.Mutex
	user     string
	pass     string
	from     string
	rcpts    []string
	data     string
	done     chan struct{}
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{listener: l, done: make(chan struct{})}
	t.Cleanup(func() { l.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) serve() {
	defer close(f.done)
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(s string) { conn.Write([]byte(s + "\r\n")) }
	read := func() string {
		line, _ := r.ReadString('\n')
		return strings.TrimRight(line, "\r\n")
	}
	decode := func(s string) string {
		b, _ := base64.StdEncoding.DecodeString(s)
		return string(b)
	}

	write("220 fake ESMTP")
	for {
		line := read()
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			write("250-fake")
			write("250 AUTH LOGIN PLAIN")
		case upper == "AUTH LOGIN":
			write("334 " + base64.StdEncoding.EncodeToString([]byte("Username:")))
			user := decode(read())
			write("334 " + base64.StdEncoding.EncodeToString([]byte("Password:")))
			pass := decode(read())
			f.mu.Lock()
			f.user, f.pass = user, pass
			f.mu.Unlock()
			write("235 authenticated")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			f.mu.Lock()
			f.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			f.mu.Unlock()
			write("250 ok")
		case strings.HasPrefix(upper, "RCPT TO:"):
			f.mu.Lock()
			f.rcpts = append(f.rcpts, strings.Trim(line[len("RCPT TO:"):], "<> "))
			f.mu.Unlock()
			write("250 ok")
		case upper == "DATA":
			write("354 go ahead")
			var body strings.Builder
			for {
				l := read()
				if l == "." {
					break
				}
				body.WriteString(l + "\n")
			}
			f.mu.Lock()
			f.data = body.String()
			f.mu.Unlock()
			write("250 queued")
		case upper == "QUIT":
			write("221 bye")
			return
		case line == "":
			return
		default:
			write("502 unsupported")
		}
	}
}

func TestSMTPClientSend(t *testing.T) {
	server := startFakeSMTP(t)
	client := NewSMTPClient(Options{ConnectTimeout: time.Second, OperationTimeout: 5 * time.Second})

	ep := SMTPEndpoint{
		Host:     "127.0.0.1",
		Port:     server.port(),
		Username: "agent@broker.test",
		Password: "s3cret",
	}
	env := Envelope{
		From:       "agent@broker.test",
		Recipients: []string{"client@example.com", "manager@broker.test"},
		Data:       []byte("Subject: Renewal\r\n\r\nYour policy renews soon.\r\n"),
	}

	require.NoError(t, client.Send(context.Background(), ep, env))
	<-server.done

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, "agent@broker.test", server.user)
	assert.Equal(t, "s3cret", server.pass)
	assert.Equal(t, "agent@broker.test", server.from)
	assert.Equal(t, []string{"client@example.com", "manager@broker.test"}, server.rcpts)
	assert.Contains(t, server.data, "Your policy renews soon.")
}

func TestSMTPClientRequiresRecipients(t *testing.T) {
	client := NewSMTPClient(Options{})
	err := client.Send(context.Background(), SMTPEndpoint{Host: "127.0.0.1", Port: 1}, Envelope{From: "a@b.c"})
	assert.Error(t, err)
}

func TestSMTPClientConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	client := NewSMTPClient(Options{ConnectTimeout: time.Second})
	err = client.Check(context.Background(), SMTPEndpoint{Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}

func TestLoginAuth(t *testing.T) {
	auth := &loginAuth{username: "u", password: "p"}

	mech, initial, err := auth.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", mech)
	assert.Nil(t, initial)

	resp, err := auth.Next([]byte("Username:"), true)
	require.NoError(t, err)
	assert.Equal(t, "u", string(resp))

	resp, err = auth.Next([]byte("Password:"), true)
	require.NoError(t, err)
	assert.Equal(t, "p", string(resp))

	_, err = auth.Next([]byte("Token:"), true)
	assert.Error(t, err)
}
