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

package export

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds client TLS configurations for collectors.
type TLSConfigBuilder struct {
	config *tls.Config
}

// NewTLSConfigBuilder returns a builder requiring TLS 1.2 or newer.
func NewTLSConfigBuilder() *TLSConfigBuilder {
	return &TLSConfigBuilder{
		config: &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// WithMinVersion raises the minimum TLS version. Versions below 1.2 are
// ignored.
func (b *TLSConfigBuilder) WithMinVersion(version uint16) *TLSConfigBuilder {
	if version < tls.VersionTLS12 {
		version = tls.VersionTLS12
	}
	b.config.MinVersion = version
	return b
}

// WithServerName sets the expected server name.
func (b *TLSConfigBuilder) WithServerName(serverName string) *TLSConfigBuilder {
	b.config.ServerName = serverName
	return b
}

// WithCustomCA trusts the PEM certificates in caFile instead of the system
// pool.
func (b *TLSConfigBuilder) WithCustomCA(caFile string) error {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	b.config.RootCAs = pool
	return nil
}

// Build returns the configuration.
func (b *TLSConfigBuilder) Build() *tls.Config {
	return b.config
}

// ValidateTLSConfig rejects nil configs and versions below TLS 1.2.
func ValidateTLSConfig(cfg *tls.Config) error {
	if cfg == nil {
		return fmt.Errorf("TLS config is nil")
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		return fmt.Errorf("minimum TLS version must be 1.2 or higher, got %d", cfg.MinVersion)
	}
	return nil
}
