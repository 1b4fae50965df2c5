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

package airlock

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GordonBeeming/secureproxy/internal/audit"
	"github.com/GordonBeeming/secureproxy/internal/ca"
	"github.com/GordonBeeming/secureproxy/internal/ruleset"
)

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	authority, err := ca.Load(ca.DefaultPaths(t.TempDir()))
	require.NoError(t, err)

	return &Server{
		Addr:    addr,
		Ruleset: &ruleset.Config{ModeValue: ruleset.ModeMonitor},
		Sink:    audit.New(filepath.Join(t.TempDir(), "traffic.jsonl"), true),
		CA:      authority,
		Logger:  zap.NewNop(),
	}
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", addr)
	return nil
}

func TestServe_RoutesHealthProbe(t *testing.T) {
	addr := freeLoopbackAddr(t)
	server := newTestServer(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()

	_, err := io.WriteString(conn, "GET /health HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200")
}

func TestServe_MalformedRequestReturns400(t *testing.T) {
	addr := freeLoopbackAddr(t)
	server := newTestServer(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()

	_, err := io.WriteString(conn, "NOTAMETHOD\r\n\r\n")
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "400")
}

func TestServe_ReturnsOnContextCancellation(t *testing.T) {
	addr := freeLoopbackAddr(t)
	server := newTestServer(t, addr)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	// Give the listener a moment to actually bind before cancelling.
	dialWithRetry(t, addr).Close()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
