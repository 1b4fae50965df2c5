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

// Package intercept implements the HTTPS man-in-the-middle handler
// described in §4.5: host-level admission at CONNECT time, a dial to the
// real origin, a forged leaf certificate bridging two independent TLS
// sessions, request-level admission on the decrypted inner request, and
// relay.
package intercept

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GordonBeeming/secureproxy/internal/audit"
	"github.com/GordonBeeming/secureproxy/internal/ca"
	"github.com/GordonBeeming/secureproxy/internal/demux"
	"github.com/GordonBeeming/secureproxy/internal/relay"
	"github.com/GordonBeeming/secureproxy/internal/respond"
	"github.com/GordonBeeming/secureproxy/internal/ruleset"
)

// DialTimeout bounds the upstream TCP dial. HandshakeTimeout bounds each
// of the two TLS handshakes. Both are SPEC_FULL additions: spec.md §9
// flags the source as having no timeouts and §5 recommends adding them.
const (
	DialTimeout      = 10 * time.Second
	HandshakeTimeout = 10 * time.Second
)

// Handle services one intercepted CONNECT tunnel, per §4.5. conn is the
// already-accepted client connection; req is the Connect-kind parse
// product of demux.Read for that connection.
func Handle(conn net.Conn, req demux.Request, cfg *ruleset.Config, sink *audit.Sink, authority *ca.CA, logger *zap.Logger, connID string) {
	mode := string(cfg.Mode())

	record := func(action audit.Action, path, method, reason string) {
		_ = sink.Write(audit.Event{
			Action:       action,
			Host:         req.Host,
			Path:         path,
			Method:       method,
			Mode:         mode,
			Reason:       reason,
			ConnectionID: connID,
		})
	}

	// Step 1: host-admission MUST precede any certificate minting or TLS
	// work, so a denied host never triggers crypto work and never sees a
	// tunnel (§4.5 Ordering guarantees, §8 Testable Property 6).
	hostDecision := cfg.AdmitHost(req.Host)
	if !hostDecision.Allowed {
		record(audit.Block, "/", "CONNECT", hostDecision.Reason)
		_ = respond.Status(conn, 403, "Forbidden")
		return
	}

	// Step 2: the upstream dial MUST succeed before the 200 tunnel
	// response is written (§4.5 Ordering guarantees, §8 Testable
	// Property 7).
	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))), DialTimeout)
	if err != nil {
		logger.Error("dialing upstream", zap.String("host", req.Host), zap.Error(err))
		_ = respond.Status(conn, 502, "Bad Gateway")
		return
	}
	defer upstream.Close()

	// Step 3.
	if err := respond.TunnelEstablished(conn); err != nil {
		logger.Error("writing tunnel-established response", zap.String("host", req.Host), zap.Error(err))
		return
	}

	// Step 4.
	leaf, err := authority.Leaf(req.Host)
	if err != nil {
		logger.Error("minting leaf certificate", zap.String("host", req.Host), zap.Error(err))
		return
	}

	// Step 5: TLS server role toward the client, using the forged leaf.
	clientTLS := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err := handshakeWithTimeout(clientTLS); err != nil {
		logger.Error("client TLS handshake failed", zap.String("host", req.Host), zap.Error(err))
		return
	}
	defer clientTLS.Close()

	// Step 6: TLS client role toward the true origin, validating against
	// the standard public root set, with SNI set to the intercepted
	// host.
	originTLS := tls.Client(upstream, &tls.Config{ServerName: req.Host})
	if err := handshakeWithTimeout(originTLS); err != nil {
		logger.Error("upstream TLS handshake failed", zap.String("host", req.Host), zap.Error(err))
		return
	}
	defer originTLS.Close()

	// Step 7: read the first request off the decrypted client stream.
	inner, err := demux.ReadInner(clientTLS)
	if err != nil {
		logger.Error("reading intercepted request", zap.String("host", req.Host), zap.Error(err))
		return
	}

	// Step 8.
	reqDecision := cfg.AdmitRequest(req.Host, inner.Path)
	if !reqDecision.Allowed {
		record(audit.Block, inner.Path, inner.Method, reqDecision.Reason)
		// Step 9: deny inside the TLS session, with Connection: close,
		// and never forward a byte upstream.
		_ = respond.Status(clientTLS, 403, "Forbidden")
		return
	}
	record(audit.Allow, inner.Path, inner.Method, reqDecision.Reason)

	// Step 10: forward the bytes already read, verbatim, then relay.
	if _, err := originTLS.Write(inner.Raw); err != nil {
		logger.Error("forwarding intercepted request to upstream", zap.String("host", req.Host), zap.Error(err))
		return
	}

	relay.Run(clientTLS, originTLS)
}

func handshakeWithTimeout(conn *tls.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})
	return conn.Handshake()
}
