package http2

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/pkcs12"
)

// Server adapts a *fasthttp.Server to speak HTTP/2 over one or more accepted
// connections. Each accepted connection gets its own serverConn, and the
// HPACK tables, stream set and flow-control windows it owns are never shared
// across connections.
type Server struct {
	s *fasthttp.Server

	cnf ServerConfig
}

// ServerConfig enumerates everything this engine negotiates per RFC 7540
// section 6.5.2, plus the bind address and the TLS identity used to
// advertise the `h2` ALPN protocol.
type ServerConfig struct {
	Host string
	Port string

	// Security, when non-empty, is the path to a PKCS#12 identity bundle;
	// Password unlocks it. ListenAndServeTLS uses it to build a tls.Config
	// advertising ALPN "h2" without the caller handling raw certificates.
	Security string
	Password string

	// HeaderTableSize, MaxConcurrentStreams, InitialWindowSize,
	// MaxFrameSize and MaxHeaderListSize are applied over the RFC 7540
	// defaults when non-zero. DisablePush turns off server push entirely.
	HeaderTableSize      uint32
	DisablePush          bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32

	// MaxRequestTime, PingInterval and MaxIdleTime bound, respectively, how
	// long a stream may stay unanswered, how often the connection is
	// PINGed, and how long a connection may sit without an open stream
	// before this server closes it.
	MaxRequestTime time.Duration
	PingInterval   time.Duration
	MaxIdleTime    time.Duration

	Debug  bool
	Logger fasthttp.Logger
}

func (cnf *ServerConfig) settings() Settings {
	st := Settings{}
	st.Reset()

	if cnf.HeaderTableSize != 0 {
		st.HeaderTableSize = cnf.HeaderTableSize
	}
	st.DisablePush = cnf.DisablePush
	if cnf.MaxConcurrentStreams != 0 {
		st.MaxConcurrentStreams = cnf.MaxConcurrentStreams
	}
	if cnf.InitialWindowSize != 0 {
		st.InitialWindowSize = cnf.InitialWindowSize
	}
	if cnf.MaxFrameSize != 0 {
		st.MaxFrameSize = cnf.MaxFrameSize
	}
	st.MaxHeaderListSize = cnf.MaxHeaderListSize

	return st
}

// ConfigureServer registers this engine as ss's handler for the "h2" ALPN
// protocol, the way fasthttp dispatches to protocol-specific handlers after
// the TLS handshake selects it.
func ConfigureServer(ss *fasthttp.Server, cnf ServerConfig) *Server {
	s := &Server{s: ss, cnf: cnf}
	ss.NextProto(H2TLSProto, s.serveFasthttpConn)
	return s
}

func (s *Server) serveFasthttpConn(c net.Conn) error {
	return s.ServeConn(c)
}

// ListenAndServeTLS loads a PKCS#12 identity bundle from cnf.Security
// (decrypted with cnf.Password), builds a tls.Config advertising ALPN "h2",
// and serves HTTP/2 connections accepted on cnf.Host:cnf.Port until Serve
// returns an error.
func ListenAndServeTLS(h fasthttp.RequestHandler, cnf ServerConfig) error {
	tlsConfig, err := tlsConfigFromPKCS12(cnf.Security, cnf.Password)
	if err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", net.JoinHostPort(cnf.Host, cnf.Port), tlsConfig)
	if err != nil {
		return err
	}

	s := &Server{s: &fasthttp.Server{Handler: h}, cnf: cnf}
	return s.Serve(ln)
}

func tlsConfigFromPKCS12(path, password string) (*tls.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key, cert, err := pkcs12.Decode(raw, password)
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		RootCAs:      pool,
		NextProtos:   []string{H2TLSProto},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Serve accepts connections off ln until Accept returns an error, handing
// each to ServeConn on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}

		go func(c net.Conn) {
			_ = s.ServeConn(c)
		}(c)
	}
}

// ServeConn runs the HTTP/2 protocol engine over an already-accepted,
// already-negotiated connection: it reads the client preface, exchanges
// initial SETTINGS, then blocks until the connection closes.
func (s *Server) ServeConn(c net.Conn) error {
	defer func() { _ = c.Close() }()

	br := bufio.NewReader(c)
	if err := ReadPreface(br); err != nil {
		return err
	}

	connLogger := s.cnf.Logger
	if connLogger == nil {
		connLogger = logger
	}

	sc := &serverConn{
		c:  c,
		h:  s.s.Handler,
		br: br,
		bw: bufio.NewWriterSize(c, 1<<14*10),

		maxWindow: 1 << 22,

		writer: make(chan *FrameHeader, 128),
		reader: make(chan *FrameHeader, 128),

		maxRequestTime: s.cnf.MaxRequestTime,
		pingInterval:   s.cnf.PingInterval,
		maxIdleTime:    s.cnf.MaxIdleTime,

		debug:  s.cnf.Debug,
		logger: connLogger,
	}

	sc.enc.Reset()
	sc.dec.Reset()

	sc.st = s.cnf.settings()
	sc.clientS.Reset()

	if err := sc.Handshake(); err != nil {
		return err
	}

	return sc.Serve()
}

