// ABOUTME: Tests for bucket URL template parsing and building
// ABOUTME: Covers placeholder substitution, quoting, errors, and request field extraction

package bucketurl

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/2389/coven-presence/internal/cluster"
)

type fixedIssuer struct {
	token  string
	err    error
	calls  int
	userID string
	ctx    string
}

func (f *fixedIssuer) Issue(userID, context string) (string, error) {
	f.calls++
	f.userID, f.ctx = userID, context
	return f.token, f.err
}

func TestParseTemplate_AllPlaceholders(t *testing.T) {
	tmpl, err := ParseTemplate("{0}|{1}|{2}|{3}|{4}|{5}|{6}|{7}")
	if err != nil {
		t.Fatalf("ParseTemplate() error = %v", err)
	}

	got := tmpl.Format([argCount]string{"a", "b", "c", "d", "e", "f", "g", "h"})
	if got != "a|b|c|d|e|f|g|h" {
		t.Errorf("Format() = %q", got)
	}
	for i := 0; i < argCount; i++ {
		if !tmpl.Uses(i) {
			t.Errorf("Uses(%d) = false", i)
		}
	}
}

func TestParseTemplate_Quoting(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{pattern: "it''s {3}", want: "it's TOKEN"},
		{pattern: "'{3}' is {3}", want: "{3} is TOKEN"},
		{pattern: "a'{'b{3}", want: "a{bTOKEN"},
		{pattern: "plain", want: "plain"},
		{pattern: "{ 3 }", want: "TOKEN"},
		{pattern: "", want: ""},
		{pattern: "a}b/{3}", want: "a}b/TOKEN"},
		{pattern: "{3}}", want: "TOKEN}"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.pattern)
			if err != nil {
				t.Fatalf("ParseTemplate() error = %v", err)
			}
			var args [argCount]string
			args[ArgToken] = "TOKEN"
			if got := tmpl.Format(args); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTemplate_Errors(t *testing.T) {
	patterns := []string{
		"{8}",
		"{-1}",
		"{name}",
		"{}",
		"http://host/{3",
		"'unterminated",
	}

	for _, p := range patterns {
		t.Run(p, func(t *testing.T) {
			_, err := ParseTemplate(p)
			if !errors.Is(err, ErrInvalidTemplate) {
				t.Errorf("ParseTemplate(%q) error = %v, want ErrInvalidTemplate", p, err)
			}
		})
	}
}

func TestParseTemplate_Default(t *testing.T) {
	tmpl := MustParseTemplate(DefaultPattern)
	if tmpl.String() != DefaultPattern {
		t.Errorf("String() = %q", tmpl.String())
	}
	if tmpl.Uses(ArgScheme) {
		t.Error("default pattern should not use the scheme placeholder")
	}
}

func TestBuilder_Build(t *testing.T) {
	issuer := &fixedIssuer{token: "QUJDREVGR0g"}
	tmpl := MustParseTemplate("http://{0}://{1}:{2}/t?tok={3}&p1={4}&p2={5}&srv={6}&usr={7}")
	b := NewBuilder(tmpl, issuer)

	user := &cluster.User{UserID: "alice-id", ServerID: "node-7"}
	info := RequestInfo{Scheme: "http", Host: "localhost", Port: "8080", RemoteUser: "alice"}

	got, err := b.Build(user, "/profile", info)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := "http://http://localhost:8080/t?tok=QUJDREVGR0g&p1=Q&p2=QU&srv=node-7&usr=alice"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
	if !strings.Contains(got, "srv=node-7&usr=alice") {
		t.Errorf("Build() = %q missing routing fields", got)
	}
	if issuer.userID != "alice-id" || issuer.ctx != "/profile" {
		t.Errorf("token minted for (%q, %q)", issuer.userID, issuer.ctx)
	}
}

func TestBuilder_TokenNotReencoded(t *testing.T) {
	issuer := &fixedIssuer{token: "YWxpY2U7MTtjdHg7YWJj-_"}
	b := NewBuilder(nil, issuer)

	got, err := b.Build(&cluster.User{UserID: "u", ServerID: "s 1"}, "ctx", RequestInfo{RemoteUser: "r&u"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := "http://localhost:8080/system/uievent/default?token=YWxpY2U7MTtjdHg7YWJj-_&server=s 1&user=r&u"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestBuilder_IssuerError(t *testing.T) {
	sentinel := errors.New("provider down")
	b := NewBuilder(nil, &fixedIssuer{err: sentinel})

	_, err := b.Build(&cluster.User{UserID: "u"}, "ctx", RequestInfo{})
	if !errors.Is(err, sentinel) {
		t.Errorf("Build() error = %v, want wrapped sentinel", err)
	}
}

func withLocalAddr(r *http.Request, ip string, port int) *http.Request {
	addr := &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
	return r.WithContext(context.WithValue(r.Context(), http.LocalAddrContextKey, net.Addr(addr)))
}

func TestRequestInfoFromHTTP(t *testing.T) {
	t.Run("local address wins over host header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.Host = "evil.example:6666"
		r = withLocalAddr(r, "10.0.0.5", 8080)
		info := RequestInfoFromHTTP(r, "alice", false)
		if info != (RequestInfo{Scheme: "http", Host: "10.0.0.5", Port: "8080", RemoteUser: "alice"}) {
			t.Errorf("RequestInfoFromHTTP() = %+v", info)
		}
	})

	t.Run("trusted host header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.Host = "presence.example:8443"
		r = withLocalAddr(r, "10.0.0.5", 8080)
		info := RequestInfoFromHTTP(r, "", true)
		if info.Host != "presence.example" || info.Port != "8443" {
			t.Errorf("RequestInfoFromHTTP() = %+v", info)
		}
	})

	t.Run("trusted host header without port", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.Host = "presence.example"
		r = withLocalAddr(r, "10.0.0.5", 8080)
		info := RequestInfoFromHTTP(r, "", true)
		if info.Host != "presence.example" || info.Port != "80" {
			t.Errorf("RequestInfoFromHTTP() = %+v", info)
		}
	})

	t.Run("host header without local address", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example.com:8080/x", nil)
		info := RequestInfoFromHTTP(r, "alice", false)
		if info != (RequestInfo{Scheme: "http", Host: "example.com", Port: "8080", RemoteUser: "alice"}) {
			t.Errorf("RequestInfoFromHTTP() = %+v", info)
		}
	})

	t.Run("tls default port", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "https://secure.example.com/x", nil)
		r.TLS = &tls.ConnectionState{}
		info := RequestInfoFromHTTP(r, "", false)
		if info.Scheme != "https" || info.Host != "secure.example.com" || info.Port != "443" {
			t.Errorf("RequestInfoFromHTTP() = %+v", info)
		}
	})

	t.Run("plain default port", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
		info := RequestInfoFromHTTP(r, "", false)
		if info.Port != "80" {
			t.Errorf("Port = %q, want 80", info.Port)
		}
	})

	t.Run("local address without host header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.Host = ""
		r = withLocalAddr(r, "10.0.0.5", 9090)
		info := RequestInfoFromHTTP(r, "", true)
		if info.Host != "10.0.0.5" || info.Port != "9090" {
			t.Errorf("RequestInfoFromHTTP() = %+v", info)
		}
	})
}
