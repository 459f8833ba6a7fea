// ABOUTME: Builds bucket callback URLs for a resolved cluster user
// ABOUTME: Mints a token and fills the configured template with request and routing fields

package bucketurl

import (
	"fmt"
	"net"
	"net/http"

	"github.com/2389/coven-presence/internal/cluster"
)

// Issuer mints bucket tokens.
type Issuer interface {
	Issue(userID, context string) (string, error)
}

// RequestInfo holds the request fields substituted into a template.
type RequestInfo struct {
	Scheme     string
	Host       string
	Port       string
	RemoteUser string
}

// RequestInfoFromHTTP extracts scheme, host and port from r.
//
// Host and port are the local address the connection arrived on. The
// client-supplied Host header is used only when no local address is known,
// or when trustHost is set for nodes behind a proxy that rewrites it.
// A missing port falls back to the scheme's default.
func RequestInfoFromHTTP(r *http.Request, remoteUser string, trustHost bool) RequestInfo {
	info := RequestInfo{Scheme: "http", RemoteUser: remoteUser}
	if r.TLS != nil {
		info.Scheme = "https"
	}

	localHost, localPort := localAddr(r)
	if trustHost || localHost == "" {
		info.Host, info.Port = splitHost(r.Host)
	}
	if info.Host == "" {
		info.Host, info.Port = localHost, localPort
	}
	if info.Port == "" {
		info.Port = defaultPort(info.Scheme)
	}
	return info
}

func localAddr(r *http.Request) (host, port string) {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok || addr == nil {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", ""
	}
	return host, port
}

func splitHost(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return hostport, ""
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// Builder fills a Template with a freshly minted token.
type Builder struct {
	template *Template
	issuer   Issuer
}

// NewBuilder creates a Builder. A nil template selects DefaultPattern.
func NewBuilder(t *Template, issuer Issuer) *Builder {
	if t == nil {
		t = MustParseTemplate(DefaultPattern)
	}
	return &Builder{template: t, issuer: issuer}
}

// Build mints a token for user in context and returns the filled template.
// The two token prefix fields let a routing layer shard callbacks by token
// without decoding it; they carry no security meaning.
func (b *Builder) Build(user *cluster.User, context string, info RequestInfo) (string, error) {
	tok, err := b.issuer.Issue(user.UserID, context)
	if err != nil {
		return "", fmt.Errorf("issuing bucket token: %w", err)
	}

	var args [argCount]string
	args[ArgScheme] = info.Scheme
	args[ArgHost] = info.Host
	args[ArgPort] = info.Port
	args[ArgToken] = tok
	args[ArgTokenPrefix1] = prefix(tok, 1)
	args[ArgTokenPrefix2] = prefix(tok, 2)
	args[ArgServerID] = user.ServerID
	args[ArgRemoteUser] = info.RemoteUser

	return b.template.Format(args), nil
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
