// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package testca implements an ephemeral certificate authority for tests. It
// issues server certificates, client certificates, and PEM key pairs that can
// be stored as brand certificates.
// This certificate authority is not and should not be trusted for securing any
// real life communication.
package testca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

// CA is an ephemeral certificate authority.
type CA struct {
	name      string
	key       *ecdsa.PrivateKey
	caCert    *x509.Certificate
	caCertPEM []byte
	pool      *x509.CertPool
	logger    func(string, ...any)

	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

// New returns a new certificate authority named name.
func New(name string, logger func(string, ...any)) (*CA, error) {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          serialNumber(),
		Issuer:                pkix.Name{CommonName: name},
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	b, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &CA{
		name:      name,
		key:       key,
		caCert:    caCert,
		caCertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}),
		pool:      pool,
		logger:    logger,
		certs:     make(map[string]*tls.Certificate),
	}, nil
}

func serialNumber() *big.Int {
	sn, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	return sn
}

// RootCAPEM returns the root certificate in PEM format.
func (ca *CA) RootCAPEM() string {
	return string(ca.caCertPEM)
}

// RootCACertPool returns a CertPool that contains the root certificate.
func (ca *CA) RootCACertPool() *x509.CertPool {
	return ca.pool
}

// GetCertificate can be used in tls.Config.
func (ca *CA) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ca.ServerCert(hello.ServerName)
}

// ServerCert returns a server certificate for name. Certificates are cached.
func (ca *CA) ServerCert(name string) (*tls.Certificate, error) {
	if n, err := idna.Lookup.ToASCII(name); err == nil {
		name = n
	}
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if c := ca.certs[name]; c != nil {
		return c, nil
	}
	ca.logger("[%s] ServerCert(%q)", ca.name, name)
	c, err := ca.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: name},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{name},
	})
	if err != nil {
		return nil, err
	}
	ca.certs[name] = c
	return c, nil
}

// ClientCert returns a new client certificate with subject CN=cn.
func (ca *CA) ClientCert(cn string) (*tls.Certificate, error) {
	ca.logger("[%s] ClientCert(%q)", ca.name, cn)
	return ca.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: cn},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
}

// KeyPairPEM returns a new server certificate for name and its private key,
// both PEM encoded, the way they are kept in the brand database.
func (ca *CA) KeyPairPEM(name string) (certPEM, keyPEM []byte, err error) {
	c, err := ca.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: name},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{name},
	})
	if err != nil {
		return nil, nil, err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(c.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("x509.MarshalPKCS8PrivateKey: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Certificate[0]})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}

func (ca *CA) issue(templ *x509.Certificate) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	now := time.Now()
	templ.SerialNumber = serialNumber()
	templ.NotBefore = now.Add(-time.Minute)
	templ.NotAfter = now.Add(time.Hour)
	templ.BasicConstraintsValid = true
	b, err := x509.CreateCertificate(rand.Reader, templ, ca.caCert, key.Public(), ca.key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{b},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
