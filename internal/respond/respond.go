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

// Package respond writes the small set of raw HTTP/1.1 status responses
// the airlock needs to hand back to its client: 200 (health, tunnel
// established), 403 (policy deny), 502 (upstream unreachable), and 400
// (malformed request). These are written directly to the connection,
// never through net/http, because by the time they're needed the
// connection may already be past the point where a *http.Server would
// still be usable (e.g. mid-CONNECT, or inside a freshly minted TLS
// session).
package respond

import (
	"fmt"
	"io"
)

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	502: "Bad Gateway",
}

// Status writes a minimal HTTP/1.1 response with a plaintext body to w.
func Status(w io.Writer, code int, body string) error {
	text := statusText[code]
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, text, len(body), body)
	return err
}

// TunnelEstablished writes the exact bytes §4.5 step 3 requires for an
// admitted CONNECT.
func TunnelEstablished(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 200 Connection Established\r\n\r\n")
	return err
}

// Health writes the §8 S1 health-probe response.
func Health(w io.Writer) error {
	const body = "OK"
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	return err
}
