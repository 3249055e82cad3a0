package proxybridge

import (
	"strings"
	"testing"
)

func TestParseUpstreamEmpty(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("null")} {
		up, err := ParseUpstream(raw)
		if err != nil {
			t.Errorf("ParseUpstream(%q) error: %v", raw, err)
		}
		if up != nil {
			t.Errorf("ParseUpstream(%q) = %+v, want nil", raw, up)
		}
	}
}

func TestParseUpstreamNumericPort(t *testing.T) {
	up, err := ParseUpstream([]byte(`{"host":"proxy.example.com","port":1080,"username":"u","password":"p"}`))
	if err != nil {
		t.Fatal(err)
	}
	if up.Host != "proxy.example.com" || up.Port != 1080 || up.Username != "u" || up.Password != "p" {
		t.Errorf("unexpected upstream: %+v", up)
	}
}

func TestParseUpstreamStringPort(t *testing.T) {
	// Older rows store the port as a string.
	up, err := ParseUpstream([]byte(`{"host":"proxy.example.com","port":"9050"}`))
	if err != nil {
		t.Fatal(err)
	}
	if up.Port != 9050 {
		t.Errorf("port = %d, want 9050", up.Port)
	}
}

func TestParseUpstreamMissingHost(t *testing.T) {
	up, err := ParseUpstream([]byte(`{"port":1080}`))
	if err != nil {
		t.Fatal(err)
	}
	if up != nil {
		t.Errorf("hostless payload should parse to nil, got %+v", up)
	}
}

func TestParseUpstreamInvalid(t *testing.T) {
	if _, err := ParseUpstream([]byte(`{malformed`)); err == nil {
		t.Error("expected error on malformed JSON")
	}
	if _, err := ParseUpstream([]byte(`{"host":"x","port":"abc"}`)); err == nil {
		t.Error("expected error on non-numeric port")
	}
}

func TestUpstreamStringHidesPassword(t *testing.T) {
	up := &Upstream{Host: "h", Port: 1080, Username: "user", Password: "hunter2"}
	s := up.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("password leaked in %q", s)
	}
	if !strings.Contains(s, "user") {
		t.Errorf("username missing in %q", s)
	}
}

func TestBridgeListensOnLoopback(t *testing.T) {
	up := &Upstream{Host: "127.0.0.1", Port: 1080}
	b, err := Start("acct-test", up)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if !strings.HasPrefix(b.Addr(), "127.0.0.1:") {
		t.Errorf("bridge bound to %q, want loopback", b.Addr())
	}
	if want := "http://" + b.Addr(); b.URL() != want {
		t.Errorf("URL() = %q, want %q", b.URL(), want)
	}
}

func TestBridgeCloseIdempotent(t *testing.T) {
	up := &Upstream{Host: "127.0.0.1", Port: 1080}
	b, err := Start("acct-test", up)
	if err != nil {
		t.Fatal(err)
	}

	b.Close()
	b.Close() // second close must not panic
}
