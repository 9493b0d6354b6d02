package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Certs contains a CA and the server and client certs it signed, for serving HTTPS with
// optional client certificate auth. This contains secrets, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

// ServerTLSConfig builds the server side config. When caCertPEM is non-empty, clients must
// present a certificate signed by it.
func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if len(caCertPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertPEM) {
			return nil, errors.New("no certificates found in client CA PEM")
		}
		cfg.ClientCAs = caCertPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLSConfig builds the client side config. caCertPEM replaces the system roots when
// non-empty; certPEM and keyPEM are presented to servers that ask for a client cert.
func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(caCertPEM) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertPEM) {
			return nil, errors.New("no certificates found in CA PEM")
		}
		cfg.RootCAs = caCertPool
	}
	if len(certPEM) > 0 || len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// LoadServerTLSConfig is ServerTLSConfig reading PEM files. caFile may be empty.
func LoadServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	pems, err := readPEMFiles(caFile, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(pems[0], pems[1], pems[2])
}

// LoadClientTLSConfig is ClientTLSConfig reading PEM files. Any of them may be empty.
func LoadClientTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	pems, err := readPEMFiles(caFile, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(pems[0], pems[1], pems[2])
}

func readPEMFiles(paths ...string) ([][]byte, error) {
	out := make([][]byte, len(paths))
	for i, p := range paths {
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		out[i] = b
	}
	return out, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func buildCACert(subject *pkix.Name, validFor time.Duration) (CACert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return CACert{}, err
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caBytes,
	})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}

	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func buildCert(ca CACert, subject *pkix.Name, hosts []string, usage x509.ExtKeyUsage, validFor time.Duration) (*Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			c.IPAddresses = append(c.IPAddresses, ip)
		} else {
			c.DNSNames = append(c.DNSNames, h)
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

// GenerateCerts generates a private CA with a server cert valid for hosts (names or IPs)
// and a client cert for mTLS.
func GenerateCerts(hosts []string, validFor time.Duration) (*Certs, error) {
	caSubject := pkix.Name{CommonName: "stdiogateway CA"}
	caCert, err := buildCACert(&caSubject, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverSubject := pkix.Name{CommonName: "stdiogateway"}
	serverCert, err := buildCert(caCert, &serverSubject, hosts, x509.ExtKeyUsageServerAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientSubject := pkix.Name{CommonName: "stdiogateway client"}
	clientCert, err := buildCert(caCert, &clientSubject, nil, x509.ExtKeyUsageClientAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     caCert,
	}, nil
}

// CertFileNames are the files written by Certs.WriteFiles.
var CertFileNames = struct {
	CA, ServerCert, ServerKey, ClientCert, ClientKey string
}{
	CA:         "ca.pem",
	ServerCert: "server.pem",
	ServerKey:  "server-key.pem",
	ClientCert: "client.pem",
	ClientKey:  "client-key.pem",
}

// WriteFiles writes the PEM files into dir, keys readable only by the owner.
// The CA key is not written, so no further certs can be issued from it.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{CertFileNames.CA, c.CA.CertPEMBytes, 0o644},
		{CertFileNames.ServerCert, c.Server.CertPEMBytes, 0o644},
		{CertFileNames.ServerKey, c.Server.KeyPEMBytes, 0o600},
		{CertFileNames.ClientCert, c.Client.CertPEMBytes, 0o644},
		{CertFileNames.ClientKey, c.Client.KeyPEMBytes, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}
