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

// Package httpproxy implements the plaintext absolute-form HTTP handler
// described in §4.4: policy evaluation, origin-form reconstruction, and
// relay to the dialed upstream.
package httpproxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GordonBeeming/secureproxy/internal/audit"
	"github.com/GordonBeeming/secureproxy/internal/demux"
	"github.com/GordonBeeming/secureproxy/internal/relay"
	"github.com/GordonBeeming/secureproxy/internal/respond"
	"github.com/GordonBeeming/secureproxy/internal/ruleset"
)

// DialTimeout bounds the upstream TCP dial, per SPEC_FULL's ambient
// timeout addition (spec.md §5/§9 flag the source as having none).
const DialTimeout = 10 * time.Second

// Handle services one absolute-form HTTP request, per §4.4. conn is the
// already-accepted client connection; req is the parse product of
// demux.Read for that connection.
func Handle(conn net.Conn, req demux.Request, cfg *ruleset.Config, sink *audit.Sink, logger *zap.Logger, connID string) {
	host, port, path := splitAbsoluteURL(req.AbsoluteURL)
	mode := string(cfg.Mode())

	record := func(action audit.Action, reason string) {
		_ = sink.Write(audit.Event{
			Action:       action,
			Host:         host,
			Path:         path,
			Method:       req.Method,
			Mode:         mode,
			Reason:       reason,
			ConnectionID: connID,
		})
	}

	hostDecision := cfg.AdmitHost(host)
	if !hostDecision.Allowed {
		record(audit.Block, hostDecision.Reason)
		_ = respond.Status(conn, 403, "Forbidden")
		return
	}

	if cfg.Mode() == ruleset.ModeEnforce && !hostDecision.AllowInsecure {
		record(audit.Block, ruleset.ReasonInsecureNotAllowed)
		_ = respond.Status(conn, 403, "Forbidden")
		return
	}

	reqDecision := cfg.AdmitRequest(host, path)
	if !reqDecision.Allowed {
		record(audit.Block, reqDecision.Reason)
		_ = respond.Status(conn, 403, "Forbidden")
		return
	}

	record(audit.Allow, reqDecision.Reason)

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), DialTimeout)
	if err != nil {
		logger.Error("dialing upstream", zap.String("host", host), zap.Error(err))
		_ = respond.Status(conn, 502, "Bad Gateway")
		return
	}
	defer upstream.Close()

	if _, err := fmt.Fprintf(upstream, "%s %s HTTP/1.1\r\nHost: %s\r\n%s\r\n\r\n",
		req.Method, path, host, stripHostHeader(req.TrailingHeaders)); err != nil {
		logger.Error("forwarding request to upstream", zap.String("host", host), zap.Error(err))
		return
	}

	relay.Run(conn, upstream)
}

// splitAbsoluteURL splits an absolute-form URL ("http://host[:port]/path")
// into its host, port (default 80), and origin-form path (default "/"),
// per §4.4 step 1.
func splitAbsoluteURL(absoluteURL string) (host string, port int, path string) {
	rest := strings.TrimPrefix(absoluteURL, "http://")

	hostport := rest
	path = "/"
	if idx := strings.IndexByte(rest, '/'); idx != -1 {
		hostport = rest[:idx]
		path = rest[idx:]
	}

	port = 80
	if h, p, found := strings.Cut(hostport, ":"); found {
		hostport = h
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	return hostport, port, path
}

// stripHostHeader removes any client-supplied "Host:" header line from a
// raw trailing-headers block. §9's Open Question notes the source
// injects its own Host header in addition to the verbatim client block,
// producing a duplicate; SPEC_FULL resolves this by stripping the
// client's, so upstream sees exactly one.
func stripHostHeader(trailingHeaders string) string {
	if trailingHeaders == "" {
		return ""
	}
	lines := strings.Split(trailingHeaders, "\r\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "host:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\r\n")
}
