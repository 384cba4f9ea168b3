// Copyright 2025 Tom Barlow
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

// Package listener provides Unix socket and TCP listener abstractions.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// TLSFiles names a PEM certificate and key. Empty values disable TLS.
type TLSFiles struct {
	Cert string
	Key  string
}

// New creates a listener for addr, which is one of:
//   - unix:///path/to/socket
//   - tcp://host:port
//   - host:port
//
// TCP listeners are wrapped with TLS when files are given.
func New(addr string, files TLSFiles) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return newUnixListener(strings.TrimPrefix(addr, "unix://"))
	case strings.HasPrefix(addr, "tcp://"):
		return newTCPListener(strings.TrimPrefix(addr, "tcp://"), files)
	case strings.Contains(addr, "://"):
		return nil, fmt.Errorf("invalid listen address %q (must be host:port, tcp://, or unix://)", addr)
	default:
		return newTCPListener(addr, files)
	}
}

// newUnixListener creates a Unix socket listener.
func newUnixListener(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("unix listen address has no path")
	}

	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a stale socket left by a previous process.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	// Owner only.
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return ln, nil
}

// newTCPListener creates a TCP listener, with optional TLS.
func newTCPListener(addr string, files TLSFiles) (net.Listener, error) {
	var tlsConfig *tls.Config
	if files.Cert != "" || files.Key != "" {
		cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP: %w", err)
	}
	if tlsConfig != nil {
		return tls.NewListener(ln, tlsConfig), nil
	}
	return ln, nil
}
