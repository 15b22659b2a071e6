package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const rsaKeyBits = 2048

// KeyPair is PEM private key material plus the OpenSSH authorized_keys line.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPairInMemory generates a new RSA key pair without touching disk.
func GenerateKeyPairInMemory() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: string(privateKeyPEM),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
	}, nil
}

// PublicKeyFromPrivate derives the authorized_keys line from PEM private key
// material, e.g. the key material a provider returns without its public half.
func PublicKeyFromPrivate(privateKeyPEM string) (string, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// Fingerprint returns the colon separated MD5 fingerprint of an
// authorized_keys line, the form DigitalOcean identifies keys by.
func Fingerprint(publicKey string) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return ssh.FingerprintLegacyMD5(key), nil
}

// WriteFiles writes the pair to dir as <name> and <name>.pub with the
// permissions ssh expects, returning both paths.
func (kp *KeyPair) WriteFiles(dir, name string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create key directory: %w", err)
	}

	privateKeyPath := filepath.Join(dir, name)
	publicKeyPath := privateKeyPath + ".pub"

	if err := os.WriteFile(privateKeyPath, []byte(kp.PrivateKey), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}

	publicKey := kp.PublicKey
	if !strings.HasSuffix(publicKey, "\n") {
		publicKey += "\n"
	}
	if err := os.WriteFile(publicKeyPath, []byte(publicKey), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write public key: %w", err)
	}

	return privateKeyPath, publicKeyPath, nil
}

// RemoveFiles deletes files written by WriteFiles.
func RemoveFiles(privateKeyPath, publicKeyPath string) error {
	if err := os.Remove(privateKeyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove private key: %w", err)
	}
	if err := os.Remove(publicKeyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove public key: %w", err)
	}
	return nil
}
