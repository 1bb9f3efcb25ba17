package observe

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"nestobserve/internal/apierr"
	"nestobserve/internal/auth"
)

// Observe endpoints.
const (
	DefaultURL          = "https://grpc-web.production.nest.com/nestlabs.gateway.v2.GatewayService/Observe"
	DefaultFieldTestURL = "https://grpc-web.ft.nest.com/nestlabs.gateway.v2.GatewayService/Observe"
	WebAppVersion       = "NlAppSDKVersion/8.15.0 NlSchemaVersion/2.1.20-87-gce5742894"
)

// HTTP2Dialer opens each observe request on its own HTTP/2 client
// connection, which is closed with the request.
type HTTP2Dialer struct {
	URL       string
	Payload   []byte
	UserAgent string
	// TLSConfig, if set, is cloned for every connection.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// Dial connects, sends the observe payload and waits for the response
// headers. A non-200 response is an error.
func (d *HTTP2Dialer) Dial(ctx context.Context, cred auth.Credential) (Conn, error) {
	target := d.URL
	if target == "" {
		target = DefaultURL
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse observe url: %w", err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "443")
	}

	cfg := &tls.Config{}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	cfg.NextProtos = []string{http2.NextProtoTLS}

	dialer := &tls.Dialer{Config: cfg}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apierr.FromTransport("observe dial", err)
	}
	if proto := raw.(*tls.Conn).ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
		raw.Close()
		return nil, fmt.Errorf("observe dial: server negotiated %q, want %q", proto, http2.NextProtoTLS)
	}

	tr := &http2.Transport{}
	cc, err := tr.NewClientConn(raw)
	if err != nil {
		raw.Close()
		return nil, apierr.FromTransport("observe handshake", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(d.Payload))
	if err != nil {
		cc.Close()
		return nil, err
	}
	req.ContentLength = int64(len(d.Payload))
	userAgent := d.UserAgent
	if userAgent == "" {
		userAgent = auth.DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Accept-Content-Transfer-Encoding", "binary")
	req.Header.Set("X-Accept-Response-Streaming", "true")
	req.Header.Set("Authorization", "Basic "+cred.Token)
	req.Header.Set("request-id", uuid.NewString())
	req.Header.Set("referer", "https://home.nest.com/")
	req.Header.Set("origin", "https://home.nest.com")
	req.Header.Set("x-nl-webapp-version", WebAppVersion)

	resp, err := cc.RoundTrip(req)
	if err != nil {
		cc.Close()
		return nil, apierr.FromTransport("observe", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		cc.Close()
		return nil, apierr.FromStatus("observe", resp.StatusCode)
	}
	if d.Logger != nil {
		d.Logger.Debug("observe response", "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))
	}
	return &http2Conn{cc: cc, body: resp.Body}, nil
}

type http2Conn struct {
	cc   *http2.ClientConn
	body io.ReadCloser
}

func (c *http2Conn) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *http2Conn) Ping(ctx context.Context) error { return c.cc.Ping(ctx) }

func (c *http2Conn) Close() error {
	c.body.Close()
	return c.cc.Close()
}
