package sshfs

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// certificateAuthority issues short-lived user certificates. The CA key is
// process-wide and generated lazily on first use; concurrent first-use is
// synchronized.
type certificateAuthority struct {
	stateDir string

	mu     sync.Mutex
	signer ssh.Signer
}

func newCertificateAuthority(stateDir string) *certificateAuthority {
	return &certificateAuthority{stateDir: stateDir}
}

// caPath returns the CA private key location, <stateRoot>/ca.
func (ca *certificateAuthority) caPath() string {
	return filepath.Join(ca.stateDir, "ca")
}

// ensure loads or generates the CA key pair.
func (ca *certificateAuthority) ensure() (ssh.Signer, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.signer != nil {
		return ca.signer, nil
	}

	keyPath := ca.caPath()
	if data, err := os.ReadFile(keyPath); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse CA key: %w", err)
		}
		ca.signer = signer
		return signer, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "awcp-ca")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ca.stateDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return nil, err
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	ca.signer = signer
	return signer, nil
}

// issuedCredential is a per-delegation keypair plus its signed certificate.
type issuedCredential struct {
	privateKeyPEM []byte
	publicKey     []byte
	certificate   []byte
}

// issue generates an ed25519 user keypair and signs a certificate valid
// for [now-30s, now+ttl] with the given principal.
func (ca *certificateAuthority) issue(delegationID, principal string, ttl time.Duration) (*issuedCredential, error) {
	signer, err := ca.ensure()
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate delegation key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cert := &ssh.Certificate{
		Key:             sshPub,
		Serial:          uint64(now.UnixNano()),
		CertType:        ssh.UserCert,
		KeyId:           delegationID,
		ValidPrincipals: []string{principal},
		// Back-dated 30s to tolerate clock skew between peers.
		ValidAfter:  uint64(now.Add(-30 * time.Second).Unix()),
		ValidBefore: uint64(now.Add(ttl).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty": "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, signer); err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, delegationID)
	if err != nil {
		return nil, err
	}
	return &issuedCredential{
		privateKeyPEM: pem.EncodeToMemory(block),
		publicKey:     ssh.MarshalAuthorizedKey(sshPub),
		certificate:   ssh.MarshalAuthorizedKey(cert),
	}, nil
}
