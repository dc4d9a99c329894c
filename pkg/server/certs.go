package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// TLSResult holds the console's TLS config. AutocertMgr is set when
// certificates come from Let's Encrypt and must answer :80 challenges.
type TLSResult struct {
	Config      *tls.Config
	AutocertMgr *autocert.Manager
}

// SetupTLS picks the first usable source: Let's Encrypt for c.WebDomain,
// the configured cert and key files, or a self-signed pair kept in
// c.CertDir.
func SetupTLS(c *Conf) (*TLSResult, error) {
	certDir := c.CertDir
	if certDir == "" {
		certDir = filepath.Join(filepath.Dir(c.BoltPath), "certs")
	}

	switch {
	case c.WebDomain != "":
		log.Printf("tls: using Let's Encrypt for %q", c.WebDomain)
		cacheDir := filepath.Join(certDir, "autocert-cache")
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			return nil, fmt.Errorf("tls: autocert cache: %w", err)
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.WebDomain),
			Cache:      autocert.DirCache(cacheDir),
		}
		return &TLSResult{Config: m.TLSConfig(), AutocertMgr: m}, nil

	case c.CertFile != "" && c.CertKey != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.CertKey)
		if err != nil {
			return nil, fmt.Errorf("tls: loading %s: %w", c.CertFile, err)
		}
		log.Printf("tls: using certificate %s", c.CertFile)
		return &TLSResult{Config: tlsConfig(cert)}, nil
	}

	cert, err := selfSigned(certDir, c.WebHost)
	if err != nil {
		return nil, err
	}
	return &TLSResult{Config: tlsConfig(cert)}, nil
}

func tlsConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
}

// selfSigned loads the pair in dir, creating it on first use.
func selfSigned(dir, host string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, "console.crt")
	keyPath := filepath.Join(dir, "console.key")
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		DebugLog("tls: reusing self-signed pair in %s", dir)
		return cert, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: cert dir: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: generating serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"worldtune console"}, CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	} else if host != "" {
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: marshaling key: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0600); err != nil {
		return tls.Certificate{}, err
	}
	log.Printf("tls: self-signed certificate written to %s", dir)
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path, typ string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("tls: writing %s: %w", path, err)
	}
	return f.Close()
}
