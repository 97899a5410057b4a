// Package server is a reference delegation controller for the encrypted
// inference protocol. It evaluates a small closed set of operations on the
// client's ciphertexts and hands relu, relu6 and max back to the client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/timing"
	"github.com/halilibrahimkanpak/he_inference/wire"
)

// Config configures a Server.
type Config struct {
	Program        *Program
	ParameterSet   he.ParameterSetIdentifier
	ComplexPacking bool
	Verbose        bool
	// Logger defaults to a standard logger on stderr.
	Logger *log.Logger
}

// Server accepts client connections and serves one Session per
// connection.
type Server struct {
	cfg    Config
	params ckks.Parameters
	log    *log.Logger
	timing *timing.Timing
	wg     sync.WaitGroup
}

// New validates the program against the packing mode and instantiates the
// parameters.
func New(cfg Config) (*Server, error) {
	if cfg.Program == nil {
		return nil, errors.New("server: no program")
	}
	if _, err := cfg.Program.Validate(cfg.ComplexPacking); err != nil {
		return nil, fmt.Errorf("invalid program: %w", err)
	}
	if cfg.ParameterSet == "" {
		cfg.ParameterSet = he.DefaultSet
	}
	params, err := he.NewParameters(cfg.ParameterSet)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "server: ", log.LstdFlags)
	}
	return &Server{
		cfg:    cfg,
		params: params,
		log:    logger,
		timing: timing.NewTiming(),
	}, nil
}

// Params returns the parameters sent to clients.
func (s *Server) Params() ckks.Parameters {
	return s.params
}

// Timing returns the per-operation timing over all sessions.
func (s *Server) Timing() *timing.Timing {
	return s.timing
}

// NewSession creates a session for one connection.
func (s *Server) NewSession() *Session {
	return &Session{
		program:        s.cfg.Program,
		params:         s.params,
		complexPacking: s.cfg.ComplexPacking,
		log:            s.log,
		verbose:        s.cfg.Verbose,
		timing:         s.timing,
	}
}

// ServeConn serves a single connection.
func (s *Server) ServeConn(ctx context.Context, conn *wire.Conn) error {
	return s.NewSession().Serve(ctx, conn)
}

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is done and waits for the
// active sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()
	defer s.wg.Wait()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.cfg.Verbose {
				s.log.Printf("new connection from %s", nc.RemoteAddr())
			}
			conn := wire.NewConn(nc)
			if err := s.ServeConn(ctx, conn); err != nil {
				s.log.Printf("session %s: %v", nc.RemoteAddr(), err)
			}
			if s.cfg.Verbose {
				s.timing.Print(os.Stdout, conn.Stats())
			}
		}()
	}
}
