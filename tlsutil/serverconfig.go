package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Material holds the file-based TLS inputs the front end is configured
// with. ClientAuth follows the 0 none, 1 optional, 2 required convention.
type Material struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	Version    string
	Ciphers    string
	ClientAuth int
}

// ServerConfig builds a *tls.Config from file paths and the operator
// facing version/cipher strings
func ServerConfig(m Material) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load certificate pair, error: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	minVersion, err := versionFor(m.Version)
	if err != nil {
		return nil, err
	}
	config.MinVersion = minVersion

	if m.CAFile != "" {
		caData, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca certificate, error: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("cannot append ca certificate to cert pool")
		}
		config.ClientCAs = pool
	}

	switch m.ClientAuth {
	case 0:
		config.ClientAuth = tls.NoClientCert
	case 1:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case 2:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unsupported client auth mode %d", m.ClientAuth)
	}

	if m.Ciphers != "" {
		suites, err := cipherSuitesFor(m.Ciphers)
		if err != nil {
			return nil, err
		}
		config.CipherSuites = suites
	}

	return config, nil
}

// versionFor maps the deployment-facing version names, bare "TLS" means
// negotiate anything we consider safe
func versionFor(name string) (uint16, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "TLS":
		return tls.VersionTLS12, nil
	case "TLSV1", "TLSV1_0":
		return tls.VersionTLS10, nil
	case "TLSV1_1":
		return tls.VersionTLS11, nil
	case "TLSV1_2":
		return tls.VersionTLS12, nil
	case "TLSV1_3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", name)
}

// cipherSuitesFor resolves a colon-separated list of IANA suite names
func cipherSuitesFor(list string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	var out []uint16
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cipher list %q resolved to nothing", list)
	}
	return out, nil
}
