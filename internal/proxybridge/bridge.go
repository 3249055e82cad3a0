package proxybridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/proxy"
)

// Upstream describes a tenant's assigned SOCKS endpoint, as stored in the
// account row's proxy_server JSON column.
type Upstream struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Protocol string `json:"protocol"` // socks5 assumed when empty
}

// ParseUpstream decodes a proxy_server JSON payload. The port column has
// historically been written both as a number and as a string, so both are
// accepted.
func ParseUpstream(raw []byte) (*Upstream, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var aux struct {
		Host     string      `json:"host"`
		Port     json.Number `json:"port"`
		Username string      `json:"username"`
		Password string      `json:"password"`
		Protocol string      `json:"protocol"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, fmt.Errorf("failed to parse proxy_server: %w", err)
	}
	if aux.Host == "" {
		return nil, nil
	}

	port, err := aux.Port.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid proxy port %q: %w", aux.Port.String(), err)
	}

	return &Upstream{
		Host:     aux.Host,
		Port:     int(port),
		Username: aux.Username,
		Password: aux.Password,
		Protocol: aux.Protocol,
	}, nil
}

// Addr returns host:port of the upstream endpoint.
func (u *Upstream) Addr() string {
	return net.JoinHostPort(u.Host, fmt.Sprintf("%d", u.Port))
}

// String returns a safe representation (without password)
func (u *Upstream) String() string {
	proto := u.Protocol
	if proto == "" {
		proto = "socks5"
	}
	if u.Username != "" {
		return fmt.Sprintf("%s://%s:***@%s", proto, u.Username, u.Addr())
	}
	return fmt.Sprintf("%s://%s", proto, u.Addr())
}

// Bridge is a local forward proxy bound to one session. The automation
// client cannot speak SOCKS-with-auth directly, so the bridge listens on an
// ephemeral loopback port, accepts plain HTTP CONNECT requests, and tunnels
// each one through the authenticated upstream.
type Bridge struct {
	accountID string
	upstream  *Upstream
	dialer    proxy.Dialer

	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Start opens the local listener and begins accepting connections.
func Start(accountID string, upstream *Upstream) (*Bridge, error) {
	var auth *proxy.Auth
	if upstream.Username != "" {
		auth = &proxy.Auth{User: upstream.Username, Password: upstream.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", upstream.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream dialer: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge listener: %w", err)
	}

	b := &Bridge{
		accountID: accountID,
		upstream:  upstream,
		dialer:    dialer,
		listener:  listener,
		conns:     make(map[net.Conn]struct{}),
	}

	go b.acceptLoop()
	log.Printf("[%s] Proxy bridge listening on %s -> %s", accountID, b.Addr(), upstream.String())
	return b, nil
}

// Addr returns the local listener address the client should be pointed at.
func (b *Bridge) Addr() string {
	return b.listener.Addr().String()
}

// URL returns the proxy URL for the client's proxy configuration.
func (b *Bridge) URL() string {
	return "http://" + b.Addr()
}

// Close stops the listener and tears down all open tunnels. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	log.Printf("[%s] Proxy bridge closed", b.accountID)
}

func (b *Bridge) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			// Listener closed during teardown.
			return
		}
		go b.handleConn(conn)
	}
}

func (b *Bridge) track(conn net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[conn] = struct{}{}
	return true
}

func (b *Bridge) untrack(conn net.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// handleConn speaks just enough HTTP to accept a CONNECT request, opens the
// matching tunnel through the upstream SOCKS endpoint, and pipes bytes both
// ways until either side closes.
func (b *Bridge) handleConn(conn net.Conn) {
	defer conn.Close()

	if !b.track(conn) {
		return
	}
	defer b.untrack(conn)

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.Fields(requestLine)
	if len(parts) < 3 || parts[0] != "CONNECT" {
		fmt.Fprintf(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}
	target := parts[1]

	// Drain request headers up to the blank line.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	upstream, err := b.dialer.Dial("tcp", target)
	if err != nil {
		log.Printf("[%s] Bridge failed to reach %s via upstream: %v", b.accountID, target, err)
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()

	if !b.track(upstream) {
		return
	}
	defer b.untrack(upstream)

	fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	done := make(chan struct{}, 2)
	go pipe(upstream, reader, done)
	go pipe(conn, upstream, done)
	<-done
}

func pipe(dst io.Writer, src io.Reader, done chan<- struct{}) {
	io.Copy(dst, src)
	done <- struct{}{}
}

// Probe dials the upstream once to verify the tunnel works. Used during
// initialize so a dead proxy surfaces as an initialization error instead of
// a silent never-connecting session.
func (b *Bridge) Probe(target string) error {
	conn, err := b.dialer.Dial("tcp", target)
	if err != nil {
		return fmt.Errorf("proxy tunnel unreachable: %w", err)
	}
	conn.Close()
	return nil
}
