// Package httpclient provides the HTTP client used to download plugin
// archives. Requests to loopback, private and link-local addresses are
// refused both before dialing and after every redirect.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/harvest/errors"
)

const maxRedirects = 10

// Options relax the client for tests against httptest servers
type Options struct {
	AllowPrivate bool
}

// Client is an http.Client that only talks to public http(s) hosts
type Client struct {
	*http.Client
	allowPrivate bool
}

// New creates a client with the given overall request timeout
func New(timeout time.Duration, opts Options) *Client {
	c := &Client{
		Client:       &http.Client{Timeout: timeout},
		allowPrivate: opts.AllowPrivate,
	}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		return errors.Wrap(c.check(req.URL), "redirect blocked")
	}
	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if Blocked(ip) {
						return nil, errors.Newf("%s resolves to blocked address %s", host, ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	return c
}

// Validate parses raw and checks it against the client's rules
func (c *Client) Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid URL %q", raw), errors.ErrInvalidRequest)
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Mark(errors.Newf(format, args...), errors.ErrInvalidRequest)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return invalid("scheme %q not allowed, use http or https", u.Scheme)
	}
	if u.User != nil {
		return invalid("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return invalid("URL has no host")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return invalid("localhost is blocked")
	}
	if ip := net.ParseIP(host); ip != nil && Blocked(ip) {
		return invalid("address %s is blocked", ip)
	}
	return nil
}

// Do validates the request URL before sending it
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// Blocked reports addresses that are not publicly routable
func Blocked(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and 240.0.0.0/4
		return ip4[0] == 0 || ip4[0] >= 240
	}
	// site-local fec0::/10, documentation 2001:db8::/32
	if ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 {
		return true
	}
	return ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
