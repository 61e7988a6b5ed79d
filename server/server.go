// Package server runs the frontends: DNS over UDP, TCP and TLS via
// miekg/dns servers, DNS-over-HTTPS via net/http, and the metrics listener.
package server

import (
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"

	"github.com/dnsgate/dnsgate/config"
	"github.com/dnsgate/dnsgate/engine"
	"github.com/dnsgate/dnsgate/mock"
	"github.com/dnsgate/dnsgate/server/doh"
)

// Server owns the listeners and their frontend states.
type Server struct {
	addr    string
	tlsAddr string
	dohAddr string
	apiAddr string

	certManager *CertManager

	e *engine.Engine

	frontends []*engine.ClientState
}

// New builds the listener set for cfg over engine e.
func New(cfg *config.Config, e *engine.Engine) (*Server, error) {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}

	s := &Server{
		addr:    cfg.Bind,
		tlsAddr: cfg.BindTLS,
		dohAddr: cfg.BindDOH,
		apiAddr: cfg.API,
		e:       e,
	}

	if cfg.BindTLS != "" || cfg.BindDOH != "" {
		cm, err := NewCertManager(cfg.TLSCertificate, cfg.TLSPrivateKey)
		if err != nil {
			return nil, err
		}
		s.certManager = cm
	}

	return s, nil
}

// Frontends returns the live listener states.
func (s *Server) Frontends() []*engine.ClientState {
	return s.frontends
}

// handler adapts one frontend to the dns.Handler interface.
type handler struct {
	cs *engine.ClientState
	e  *engine.Engine
}

// ServeDNS implements the dns.Handler interface.
func (h *handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	h.e.Serve(h.cs, w, r)
}

// Run starts every configured listener.
func (s *Server) Run() {
	udp := engine.NewClientState(s.addr, "udp")
	tcp := engine.NewClientState(s.addr, "tcp")
	s.frontends = append(s.frontends, udp, tcp)

	go s.listenAndServeDNS("udp", udp)
	go s.listenAndServeDNS("tcp", tcp)

	if s.tlsAddr != "" {
		dot := engine.NewClientState(s.tlsAddr, "dot")
		s.frontends = append(s.frontends, dot)

		go s.listenAndServeDNSTLS(dot)
	}

	if s.dohAddr != "" {
		dohCS := engine.NewClientState(s.dohAddr, "doh")
		s.frontends = append(s.frontends, dohCS)

		go s.listenAndServeHTTP(dohCS)
	}

	if s.apiAddr != "" {
		go s.listenAndServeAPI()
	}
}

func (s *Server) listenAndServeDNS(network string, cs *engine.ClientState) {
	zlog.Info("DNS server listening...", "net", network, "addr", s.addr)

	srv := &dns.Server{
		Addr:          s.addr,
		Net:           network,
		Handler:       &handler{cs: cs, e: s.e},
		MaxTCPQueries: 2048,
		ReusePort:     true,
	}

	if err := srv.ListenAndServe(); err != nil {
		zlog.Error("DNS listener failed", "net", network, "addr", s.addr, "error", err.Error())
	}
}

func (s *Server) listenAndServeDNSTLS(cs *engine.ClientState) {
	zlog.Info("DNS server listening...", "net", "tcp-tls", "addr", s.tlsAddr)

	srv := &dns.Server{
		Addr:          s.tlsAddr,
		Net:           "tcp-tls",
		Handler:       &handler{cs: cs, e: s.e},
		TLSConfig:     s.certManager.GetTLSConfig(),
		MaxTCPQueries: 2048,
	}

	if err := srv.ListenAndServe(); err != nil {
		zlog.Error("DNS listener failed", "net", "tcp-tls", "addr", s.tlsAddr, "error", err.Error())
	}
}

// ServeHTTP implements the http.Handler interface for the DoH frontend.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cs := s.dohFrontend()

	handle := func(req *dns.Msg) *dns.Msg {
		mw := mock.NewWriter("tcp", r.RemoteAddr)
		s.e.Serve(cs, mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	doh.HandleWireFormat(handle)(w, r)
}

func (s *Server) dohFrontend() *engine.ClientState {
	for _, cs := range s.frontends {
		if cs.Proto == "doh" {
			return cs
		}
	}

	return engine.NewClientState(s.dohAddr, "doh")
}

func (s *Server) listenAndServeHTTP(cs *engine.ClientState) {
	zlog.Info("DNS server listening...", "net", "https", "addr", s.dohAddr)

	srv := &http.Server{
		Addr:         s.dohAddr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		TLSConfig:    s.certManager.GetTLSConfig(),
	}

	if err := srv.ListenAndServeTLS("", ""); err != nil {
		zlog.Error("DoH listener failed", "net", "https", "addr", s.dohAddr, "error", err.Error())
	}
}

func (s *Server) listenAndServeAPI() {
	zlog.Info("Metrics server listening...", "addr", s.apiAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         s.apiAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		zlog.Error("Metrics listener failed", "addr", s.apiAddr, "error", err.Error())
	}
}
