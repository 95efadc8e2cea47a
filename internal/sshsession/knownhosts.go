package sshsession

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KnownHostsPolicy implements trust-on-first-use host key verification:
// the first key seen for a host is trusted and persisted; a later,
// different key for the same host is rejected as a possible MITM. Adapted
// from the appliance daemon's TOFU callback in sshexec.
type KnownHostsPolicy struct {
	path string

	mu   sync.Mutex
	keys map[string]ssh.PublicKey
}

// NewKnownHostsPolicy returns a policy backed by path, loading any
// previously persisted keys. A missing file is not an error — it means
// no host has been contacted yet.
func NewKnownHostsPolicy(path string) *KnownHostsPolicy {
	p := &KnownHostsPolicy{path: path, keys: make(map[string]ssh.PublicKey)}
	p.load()
	return p
}

func (p *KnownHostsPolicy) Callback() ssh.HostKeyCallback {
	return p.verify
}

func (p *KnownHostsPolicy) verify(hostname string, _ net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, known := p.keys[host]
	if !known {
		p.keys[host] = key
		p.save()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept the new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), p.path)
}

// load reads persisted host keys. Format: one "hostname key-type base64-key"
// line per host.
func (p *KnownHostsPolicy) load() {
	f, err := os.Open(p.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		p.keys[parts[0]] = pubKey
	}
}

// save persists all known host keys. Must be called with p.mu held.
func (p *KnownHostsPolicy) save() {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU — managed by the scanner)\n")
	for host, key := range p.keys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}
	_ = os.WriteFile(p.path, []byte(buf.String()), 0o600)
}
