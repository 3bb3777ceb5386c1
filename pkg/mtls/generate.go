// Package mtls generates and loads the certificates partisan uses for
// optional peer-to-peer TLS, adapted from ctrliq-beskar's pkg/mtls:
// the same CA-then-leaf generation flow, retargeted at
// cluster peer certificates instead of registry mirror certificates.
package mtls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// KeyAlg selects the asymmetric algorithm used for a generated key
// pair.
type KeyAlg uint8

const (
	RSAKey KeyAlg = iota
	ECDSAKey
)

// CertRequestConfig holds certificate creation configuration.
type CertRequestConfig struct {
	CN       string
	Validity time.Time
	IP       []net.IP
	DNS      []string
	CA       *tls.Certificate
	KeyAlg   KeyAlg
}

// CertRequestOption mutates a CertRequestConfig before the request is
// issued.
type CertRequestOption func(*CertRequestConfig)

// WithCertRequestIPs adds IP SANs to a certificate request, typically
// the peer's own listen addresses.
func WithCertRequestIPs(ips ...net.IP) CertRequestOption {
	return func(c *CertRequestConfig) {
		c.IP = append(c.IP, ips...)
	}
}

// WithCertRequestHostnames adds DNS SANs to a certificate request.
func WithCertRequestHostnames(hostnames ...string) CertRequestOption {
	return func(c *CertRequestConfig) {
		c.DNS = append(c.DNS, hostnames...)
	}
}

// GenerateCA generates a self-signed CA certificate pair, PEM-encoded.
func GenerateCA(cn string, validity time.Time, alg KeyAlg) (cert, key []byte, err error) {
	return generateKeyPair(&CertRequestConfig{CN: cn, Validity: validity, KeyAlg: alg})
}

// GenerateNodeCertificate issues a peer certificate signed by the given
// CA, for use as both the node's server and client identity (partisan
// peer sockets are mutually authenticated when TLS is enabled).
func GenerateNodeCertificate(nodeName string, ca tls.Certificate, validity time.Time, opts ...CertRequestOption) (cert, key []byte, err error) {
	cfg := &CertRequestConfig{
		CN:       nodeName,
		Validity: validity,
		CA:       &ca,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return generateKeyPair(cfg)
}

//nolint:gocyclo
func generateKeyPair(cfg *CertRequestConfig) ([]byte, []byte, error) {
	var certPubKey, certPrivKey interface{}

	isCA := cfg.CA == nil

	if !isCA {
		switch cfg.CA.PrivateKey.(type) {
		case *rsa.PrivateKey:
			cfg.KeyAlg = RSAKey
		case *ecdsa.PrivateKey:
			cfg.KeyAlg = ECDSAKey
		default:
			return nil, nil, fmt.Errorf("partisan: CA private key is not RSA or ECDSA")
		}
	}

	switch cfg.KeyAlg {
	case RSAKey:
		bits := 2048
		if isCA {
			bits = 4096
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, err
		}
		certPrivKey, certPubKey = key, &key.PublicKey
	case ECDSAKey:
		curve := elliptic.P256()
		if isCA {
			curve = elliptic.P384()
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		certPrivKey, certPubKey = key, &key.PublicKey
	}

	if cfg.CN == "" {
		return nil, nil, fmt.Errorf("partisan: a CN must be provided")
	}
	if cfg.Validity.IsZero() {
		return nil, nil, fmt.Errorf("partisan: a validity period must be provided")
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, err
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if isCA {
		keyUsage |= x509.KeyUsageCertSign
	}

	cert := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cfg.CN,
			Organization: []string{"partisan cluster"},
		},
		IPAddresses:           cfg.IP,
		DNSNames:              cfg.DNS,
		IsCA:                  isCA,
		NotBefore:             time.Now(),
		NotAfter:              cfg.Validity,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              keyUsage,
		BasicConstraintsValid: isCA,
	}

	caCertPrivKey := certPrivKey
	caCert := cert
	if !isCA {
		caCertPrivKey = cfg.CA.PrivateKey
		caCert, err = x509.ParseCertificate(cfg.CA.Certificate[0])
		if err != nil {
			return nil, nil, err
		}
	}

	certBuf, keyBuf := new(bytes.Buffer), new(bytes.Buffer)
	certBlock := &pem.Block{Type: "CERTIFICATE"}

	certBlock.Bytes, err = x509.CreateCertificate(rand.Reader, cert, caCert, certPubKey, caCertPrivKey)
	if err != nil {
		return nil, nil, err
	}
	if err := pem.Encode(certBuf, certBlock); err != nil {
		return nil, nil, err
	}

	privBlock := &pem.Block{}
	switch cfg.KeyAlg {
	case RSAKey:
		privBlock.Type = "RSA PRIVATE KEY"
		privBlock.Bytes = x509.MarshalPKCS1PrivateKey(certPrivKey.(*rsa.PrivateKey))
	case ECDSAKey:
		privBlock.Type = "EC PRIVATE KEY"
		privBlock.Bytes, err = x509.MarshalECPrivateKey(certPrivKey.(*ecdsa.PrivateKey))
		if err != nil {
			return nil, nil, err
		}
	}
	if err := pem.Encode(keyBuf, privBlock); err != nil {
		return nil, nil, err
	}

	return certBuf.Bytes(), keyBuf.Bytes(), nil
}

// LoadCACertificate loads a CA certificate and key from PEM readers.
func LoadCACertificate(caCertPEM, caKeyPEM []byte) (tls.Certificate, error) {
	return tls.X509KeyPair(caCertPEM, caKeyPEM)
}
