// Package security holds TLS settings shared by AMI connections and the
// observability HTTP server.
package security

// Config holds process-wide security configuration
type Config struct {
	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig holds TLS configuration for the HTTP server and outbound clients
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ServerMTLSConfig holds client certificate validation for the HTTP server
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// ServerTLSConfig holds TLS configuration for the metrics and status server
type ServerTLSConfig struct {
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	CertFile   string           `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string           `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string           `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"
	MTLS       ServerMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ClientMTLSConfig provides a client certificate to the remote side
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// ClientTLSConfig holds TLS configuration for outbound connections.
// The system CA bundle is always trusted; CAFiles are additional roots.
type ClientTLSConfig struct {
	CAFiles            []string         `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	ServerName         string           `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool             `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string           `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	MTLS               ClientMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}
