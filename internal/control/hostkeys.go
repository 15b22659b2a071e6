package control

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"cloudslave/internal/logging"
)

// HostKeyMismatchError is returned when a host presents a different key than
// the one trusted on first contact.
type HostKeyMismatchError struct {
	Host     string
	Expected string
	Got      string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key for %s changed: expected %s, got %s", e.Host, e.Expected, e.Got)
}

// KnownHosts is an in-memory trust-on-first-use host key store. The first key
// seen for an address is accepted and pinned for the life of the process.
type KnownHosts struct {
	mu   sync.Mutex
	keys map[string]ssh.PublicKey
}

func NewKnownHosts() *KnownHosts {
	return &KnownHosts{keys: make(map[string]ssh.PublicKey)}
}

var defaultKnownHosts = NewKnownHosts()

// TrustOnFirstUse returns the process wide host key callback.
func TrustOnFirstUse() ssh.HostKeyCallback {
	return defaultKnownHosts.Callback
}

// Callback implements ssh.HostKeyCallback.
func (k *KnownHosts) Callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if known, ok := k.keys[hostname]; ok {
		if !bytes.Equal(known.Marshal(), key.Marshal()) {
			return &HostKeyMismatchError{
				Host:     hostname,
				Expected: ssh.FingerprintSHA256(known),
				Got:      ssh.FingerprintSHA256(key),
			}
		}
		return nil
	}

	k.keys[hostname] = key
	logging.Logger().Info("trusting host key on first use",
		zap.String("host", hostname),
		zap.String("fingerprint", ssh.FingerprintSHA256(key)))
	return nil
}

// Forget drops the pinned key for hostname, e.g. after its instance was deleted
// and the address may be reused.
func (k *KnownHosts) Forget(hostname string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, hostname)
}

// ForgetHost drops address ("host:port") from the process wide store.
func ForgetHost(address string) {
	defaultKnownHosts.Forget(address)
}
