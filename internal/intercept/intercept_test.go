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

package intercept

import (
	"bufio"
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GordonBeeming/secureproxy/internal/audit"
	"github.com/GordonBeeming/secureproxy/internal/ca"
	"github.com/GordonBeeming/secureproxy/internal/demux"
	"github.com/GordonBeeming/secureproxy/internal/ruleset"
)

func newTestAuthority(t *testing.T) *ca.CA {
	t.Helper()
	authority, err := ca.Load(ca.DefaultPaths(t.TempDir()))
	require.NoError(t, err)
	return authority
}

func newTestAuditSink(t *testing.T) *audit.Sink {
	t.Helper()
	return audit.New(filepath.Join(t.TempDir(), "traffic.jsonl"), true)
}

func readStatusLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestHandle_DeniedHostNeverDialsAndReturns403(t *testing.T) {
	cfg := &ruleset.Config{ModeValue: ruleset.ModeEnforce}
	sink := newTestAuditSink(t)
	authority := newTestAuthority(t)

	clientConn, proxyConn := net.Pipe()
	req := demux.Request{Kind: demux.Connect, Host: "blocked.example.com", Port: 443}

	done := make(chan struct{})
	go func() {
		Handle(proxyConn, req, cfg, sink, authority, zap.NewNop(), "conn-1")
		close(done)
	}()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status := readStatusLine(t, clientConn)
	assert.Contains(t, status, "403")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after denying the host")
	}
}

func TestHandle_UnreachableUpstreamReturns502BeforeAnyTLS(t *testing.T) {
	cfg := &ruleset.Config{ModeValue: ruleset.ModeMonitor}
	sink := newTestAuditSink(t)
	authority := newTestAuthority(t)

	clientConn, proxyConn := net.Pipe()
	// Port 1 is reserved and refuses immediately on loopback.
	req := demux.Request{Kind: demux.Connect, Host: "127.0.0.1", Port: 1}

	go Handle(proxyConn, req, cfg, sink, authority, zap.NewNop(), "conn-2")

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	status := readStatusLine(t, clientConn)
	assert.Contains(t, status, "502")
}

func TestHandshakeWithTimeout_SucceedsWithMatchingConfig(t *testing.T) {
	authority := newTestAuthority(t)
	leaf, err := authority.Leaf("handshake.example.com")
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	serverTLS := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	defer serverTLS.Close()
	clientTLS := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test harness, not production config
	defer clientTLS.Close()

	errs := make(chan error, 2)
	go func() { errs <- handshakeWithTimeout(serverTLS) }()
	go func() { errs <- clientTLS.Handshake() }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("handshake did not complete in time")
		}
	}
}

func TestHandshakeWithTimeout_FailsWhenPeerNeverResponds(t *testing.T) {
	authority := newTestAuthority(t)
	leaf, err := authority.Leaf("timeout.example.com")
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	// Deliberately do not perform a client-side handshake; the server
	// side should give up once HandshakeTimeout elapses rather than
	// blocking forever. We shrink the wait by closing the raw pipe
	// shortly after starting the handshake to force an error quickly
	// instead of waiting out the full timeout in this test.
	serverTLS := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	defer serverTLS.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		clientConn.Close()
	}()

	err = handshakeWithTimeout(serverTLS)
	assert.Error(t, err)
}
