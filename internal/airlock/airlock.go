// Copyright 2026 The Secure Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package airlock wires the ruleset, audit sink, certificate authority,
// and per-kind handlers into the listener/dispatcher described in
// component 8 of §2: accept connections, spawn an independent task per
// connection, classify the first request, and route it. The name
// reflects the mediating boundary described in the GLOSSARY.
package airlock

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GordonBeeming/secureproxy/internal/audit"
	"github.com/GordonBeeming/secureproxy/internal/ca"
	"github.com/GordonBeeming/secureproxy/internal/demux"
	"github.com/GordonBeeming/secureproxy/internal/httpproxy"
	"github.com/GordonBeeming/secureproxy/internal/intercept"
	"github.com/GordonBeeming/secureproxy/internal/respond"
	"github.com/GordonBeeming/secureproxy/internal/ruleset"
)

// HeaderReadTimeout bounds how long the demultiplexer will wait for a
// complete header block before the connection is dropped, per §5's
// "SHOULD add bounded timeouts ... (a) header read in the demultiplexer."
const HeaderReadTimeout = 10 * time.Second

// Server is the airlock's listener/dispatcher: component 8 of §2.
type Server struct {
	Addr    string
	Ruleset *ruleset.Config
	Sink    *audit.Sink
	CA      *ca.CA
	Logger  *zap.Logger
}

// Serve accepts connections on s.Addr until ctx is cancelled, spawning
// one goroutine per connection (§5's "structured concurrency at the
// listener boundary with independent failure domains"). It returns once
// the listener is closed, either by ctx cancellation or a fatal accept
// error.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.Logger.Info("airlock listening", zap.String("addr", s.Addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConnection(conn)
	}
}

// handleConnection is the per-connection task root: all per-connection
// errors are caught here and logged, never propagated to the listener
// goroutine, per §7's propagation policy. All sockets are released on
// every exit path via defer.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.Logger.With(zap.String("connection_id", connID))

	if err := conn.SetReadDeadline(time.Now().Add(HeaderReadTimeout)); err != nil {
		logger.Error("setting header read deadline", zap.Error(err))
		return
	}

	req, err := demux.Read(conn)
	if err != nil {
		logger.Error("reading request", zap.Error(err))
		return
	}

	// This deadline only covers header parsing; the upstream dials and
	// TLS handshakes set their own timeouts and the relay runs without
	// one, so clear it here.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		logger.Error("clearing read deadline", zap.Error(err))
		return
	}

	switch req.Kind {
	case demux.Health:
		if err := respond.Health(conn); err != nil {
			logger.Error("writing health response", zap.Error(err))
		}
	case demux.Connect:
		intercept.Handle(conn, req, s.Ruleset, s.Sink, s.CA, logger, connID)
	case demux.HTTP:
		httpproxy.Handle(conn, req, s.Ruleset, s.Sink, logger, connID)
	default:
		if err := respond.Status(conn, 400, "Bad Request"); err != nil {
			logger.Error("writing malformed-request response", zap.Error(err))
		}
	}
}
