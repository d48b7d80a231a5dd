// Package proxybridge runs a local, unauthenticated HTTP proxy that relays
// every connection to one authenticated upstream proxy. The browser is
// pointed at the bridge and never sees the upstream credentials.
package proxybridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

const (
	dialTimeout       = 15 * time.Second
	readHeaderTimeout = 30 * time.Second
)

// Upstream is the authenticated proxy every connection is relayed to.
type Upstream struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// authorization returns the Proxy-Authorization value, or "" without credentials.
func (u Upstream) authorization() string {
	if u.Username == "" && u.Password == "" {
		return ""
	}
	token := base64.StdEncoding.EncodeToString([]byte(u.Username + ":" + u.Password))
	return "Basic " + token
}

// proxyURL is the upstream as an http proxy URL, with credentials when set.
func (u Upstream) proxyURL() *url.URL {
	pu := &url.URL{Scheme: "http", Host: u.Addr()}
	if u.Username != "" || u.Password != "" {
		pu.User = url.UserPassword(u.Username, u.Password)
	}
	return pu
}

// Bridge is the local relay. CONNECT requests become opaque tunnels opened
// through the upstream; absolute-URI requests are forwarded to it. Client
// credentials are dropped and the upstream's are injected either way.
type Bridge struct {
	addr     string
	upstream Upstream
	auth     string

	proxy  *goproxy.ProxyHttpServer
	tr     *http.Transport
	server *http.Server

	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	tunnels map[net.Conn]struct{}
}

// New creates a bridge that will listen on addr.
func New(addr string, upstream Upstream) *Bridge {
	b := &Bridge{
		addr:     addr,
		upstream: upstream,
		auth:     upstream.authorization(),
		tunnels:  make(map[net.Conn]struct{}),
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	b.tr = &http.Transport{
		// The transport adds Proxy-Authorization from the URL's user info.
		Proxy:               http.ProxyURL(upstream.proxyURL()),
		DialContext:         d.DialContext,
		DisableCompression:  true,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := log.With().Str("component", "proxybridge").Logger()
	p := goproxy.NewProxyHttpServer()
	p.Logger = &logger
	p.Tr = b.tr
	p.KeepAcceptEncoding = true
	p.ConnectDial = b.connectDial(p.NewConnectDialToProxyWithHandler("http://"+upstream.Addr(), b.injectAuth))
	p.OnResponse().DoFunc(b.forwarded)
	b.proxy = p

	return b
}

// injectAuth runs on every CONNECT request sent to the upstream.
func (b *Bridge) injectAuth(req *http.Request) {
	req.Header.Del("Proxy-Authorization")
	if b.auth != "" {
		req.Header.Set("Proxy-Authorization", b.auth)
	}
}

// connectDial wraps the upstream CONNECT dialer with metrics and tunnel
// tracking. A nil dial means the upstream URL could not be parsed.
func (b *Bridge) connectDial(dial func(network, addr string) (net.Conn, error)) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		if dial == nil || b.closed.Load() {
			metrics.RecordBridgeConnection("connect", "error")
			return nil, fmt.Errorf("%w: bridge unavailable", types.ErrProxyUpstreamUnreachable)
		}

		conn, err := dial(network, addr)
		if err != nil {
			result := "upstream_unreachable"
			if strings.HasPrefix(err.Error(), "proxy refused connection") {
				result = "refused"
			}
			log.Warn().
				Err(err).
				Str("target", addr).
				Str("upstream", b.upstream.Addr()).
				Str("result", result).
				Msg("Proxy bridge could not open tunnel")
			metrics.RecordBridgeConnection("connect", result)
			return nil, fmt.Errorf("%w: %v", types.ErrProxyUpstreamUnreachable, err)
		}

		metrics.RecordBridgeConnection("connect", "ok")
		log.Debug().Str("target", addr).Msg("Tunnel established")
		return b.track(conn), nil
	}
}

// forwarded turns transport failures of plain-HTTP requests into 502 and
// records the outcome.
func (b *Bridge) forwarded(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp != nil && ctx.Error == nil {
		metrics.RecordBridgeConnection("forward", "ok")
		return resp
	}

	host := ""
	if ctx.Req != nil {
		host = ctx.Req.Host
	}
	log.Warn().
		Err(ctx.Error).
		Str("host", host).
		Str("upstream", b.upstream.Addr()).
		Msg("Proxy bridge could not forward request")
	metrics.RecordBridgeConnection("forward", "upstream_unreachable")
	return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "upstream proxy unreachable")
}

// Start binds the listener and begins serving.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("proxy bridge listen on %s: %w", b.addr, err)
	}
	b.listener = ln
	b.server = &http.Server{
		Handler:           b.proxy,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	log.Info().
		Str("listen", ln.Addr().String()).
		Str("upstream", b.upstream.Addr()).
		Bool("upstream_auth", b.auth != "").
		Msg("Proxy bridge started")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Proxy bridge stopped serving")
		}
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one when
// port 0 was requested.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return b.addr
	}
	return b.listener.Addr().String()
}

// URL returns the bridge as a proxy URL for the browser's --proxy-server flag.
func (b *Bridge) URL() string {
	return "http://" + b.Addr()
}

// Close stops serving, drops open tunnels and idle upstream connections.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// Shutdown waits for in-flight forwards; hijacked tunnels are ours.
		if serr := b.server.Shutdown(ctx); serr != nil {
			err = b.server.Close()
		}
	}
	b.tr.CloseIdleConnections()

	b.mu.Lock()
	for c := range b.tunnels {
		c.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	log.Info().Msg("Proxy bridge stopped")
	return err
}

func (b *Bridge) track(c net.Conn) net.Conn {
	b.mu.Lock()
	b.tunnels[c] = struct{}{}
	b.mu.Unlock()
	metrics.BridgeActive.Inc()

	if b.closed.Load() {
		// Close raced with the dial; the sweep may have missed this one.
		c.Close()
	}
	return &trackedConn{Conn: c, release: func() {
		b.mu.Lock()
		delete(b.tunnels, c)
		b.mu.Unlock()
		metrics.BridgeActive.Dec()
	}}
}

// trackedConn releases its registration with the bridge when closed. Tunnel
// copying shuts each direction down with CloseRead/CloseWrite; once both
// halves are shut the connection is closed for good.
type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
	halves  atomic.Int32
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func (c *trackedConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}

func (c *trackedConn) CloseRead() error {
	return c.closeHalf(func(h halfCloser) error { return h.CloseRead() })
}

func (c *trackedConn) CloseWrite() error {
	return c.closeHalf(func(h halfCloser) error { return h.CloseWrite() })
}

func (c *trackedConn) closeHalf(fn func(halfCloser) error) error {
	h, ok := c.Conn.(halfCloser)
	if !ok {
		return c.Close()
	}
	err := fn(h)
	if c.halves.Add(1) >= 2 {
		return c.Close()
	}
	return err
}
