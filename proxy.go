package kored

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/korehq/kored/tlsutil"
)

type GateProxyOptions struct {
	Logger  Logger
	Metrics *Metrics
}

// GateProxy terminates inbound connections on the front-end address and
// forwards them to the worker socket while the health gate admits
// traffic. While the gate is closed every connection gets an immediate
// canned 503 instead of waiting on a doomed backend. Connections already
// spliced when the gate closes are allowed to complete.
type GateProxy struct {
	id       string
	cfg      *Config
	gate     *HealthGate
	logger   Logger
	metrics  *Metrics
	upstream string

	mutex    sync.Mutex
	listener net.Listener
}

func NewGateProxy(cfg *Config, gate *HealthGate, opt GateProxyOptions) (*GateProxy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing parameter cfg")
	}
	if gate == nil {
		return nil, fmt.Errorf("missing parameter gate")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("gen id failed")
	}
	logger := opt.Logger
	if logger == nil {
		logger = newZeroLogForName("kored-proxy", id.String(), cfg.LogLevel)
	}
	return &GateProxy{
		id:       id.String(),
		cfg:      cfg,
		gate:     gate,
		logger:   logger,
		metrics:  opt.Metrics,
		upstream: cfg.UpstreamAddr(),
	}, nil
}

// Listen blocks accepting front-end connections until the context ends
func (p *GateProxy) Listen(ctx context.Context) error {
	var listener net.Listener
	var err error
	if p.cfg.TLS.Enabled() {
		tlsConfig, cfgErr := tlsutil.ServerConfig(tlsutil.Material{
			CertFile:   p.cfg.TLS.CertFile,
			KeyFile:    p.cfg.TLS.KeyFile,
			CAFile:     p.cfg.TLS.CAFile,
			Version:    p.cfg.TLS.Version,
			Ciphers:    p.cfg.TLS.Ciphers,
			ClientAuth: p.cfg.TLS.CertReqs,
		})
		if cfgErr != nil {
			return fmt.Errorf("invalid front-end TLS material, error: %w", cfgErr)
		}
		listener, err = tls.Listen("tcp", p.cfg.GateBind, tlsConfig)
	} else {
		listener, err = net.Listen("tcp", p.cfg.GateBind)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s, error: %w", p.cfg.GateBind, err)
	}

	p.mutex.Lock()
	p.listener = listener
	p.mutex.Unlock()

	// Watch for the context break
	go func() {
		<-ctx.Done()
		p.logger.Info(fmt.Sprintf("closing front-end listener at %s", p.cfg.GateBind))
		if err := listener.Close(); err != nil {
			p.logger.Error(fmt.Sprintf("error closing front-end listener, error: %v", err))
		}
	}()

	p.logger.Info(fmt.Sprintf("front end listening at %s, upstream %s", p.cfg.GateBind, p.upstream))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed network") {
				// Graceful
				p.logger.Debug("front-end listener closed")
				return nil
			}
			return fmt.Errorf("failed to accept connection, error: %w", err)
		}
		go func() {
			if err := p.handle(ctx, conn); err != nil {
				p.logger.Debug(fmt.Sprintf("connection closed, error: %v", err))
			}
		}()
	}
}

// handle admits or rejects a single front-end connection
func (p *GateProxy) handle(ctx context.Context, in net.Conn) error {
	defer func() {
		_ = in.Close()
	}()

	if !p.gate.Admitting() {
		p.metrics.ConnRejected("gate_closed")
		return writeCanned(in, 503, "Service Unavailable", `{"error":"backend unavailable"}`)
	}

	dest, err := net.DialTimeout("tcp", p.upstream, p.cfg.HealthTimeout)
	if err != nil {
		p.logger.Error(fmt.Sprintf("worker socket unreachable at %s", p.upstream))
		p.metrics.ConnRejected("upstream_unreachable")
		return writeCanned(in, 502, "Bad Gateway", `{"error":"backend unreachable"}`)
	}
	p.metrics.ConnProxied()

	return p.splice(ctx, in, dest)
}

// splice copies both directions until either side closes, the context
// breaks or the request deadline passes. The deadline mirrors the worker
// timeout, a stalled worker turns into a 504 here while the supervisor
// recycles the process.
func (p *GateProxy) splice(ctx context.Context, in net.Conn, dest net.Conn) error {
	// Buffered so a late copier never blocks after an early return
	errTransport := make(chan error, 2)
	defer func() {
		_ = dest.Close()
	}()

	go func(w io.Writer, r io.Reader) {
		_, err := io.Copy(w, r)
		errTransport <- err
	}(dest, in)

	go func(w io.Writer, r io.Reader) {
		_, err := io.Copy(w, r)
		errTransport <- err
	}(in, dest)

	deadline := time.NewTimer(p.cfg.WorkerTimeout)
	defer deadline.Stop()

	var errs []error
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			p.metrics.ConnRejected("request_timeout")
			_ = writeCanned(in, 504, "Gateway Timeout", `{"error":"backend timed out"}`)
			// Unblock both copiers
			_ = dest.Close()
			_ = in.Close()
			return fmt.Errorf("request exceeded %s", p.cfg.WorkerTimeout)
		case err := <-errTransport:
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("splice closed with errors: %+v", errs)
	}
	return nil
}

// writeCanned answers with a minimal HTTP response and closes, cheap
// enough for the rejection path to never touch the pool
func writeCanned(conn net.Conn, code int, status, body string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, status, len(body), body)
	return err
}
