package remote

import (
	"fmt"
	"strings"
	"sync"
)

// Credential is an opaque bearer secret. Its value is its identity.
type Credential string

// Pool is an ordered, cyclic set of interchangeable credentials.
type Pool struct {
	mu     sync.Mutex
	creds  []Credential
	index  map[Credential]int
	cursor int
}

// NewPool trims and de-duplicates secrets, keeping first occurrence order.
// An empty pool is allowed; every dependent call then fails with a ConfigurationError.
func NewPool(secrets []string) *Pool {
	p := &Pool{index: make(map[Credential]int, len(secrets))}
	for _, raw := range secrets {
		cred := Credential(strings.TrimSpace(raw))
		if cred == "" {
			continue
		}
		if _, dup := p.index[cred]; dup {
			continue
		}
		p.index[cred] = len(p.creds)
		p.creds = append(p.creds, cred)
	}
	return p
}

// Size returns the number of credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Current returns the credential under the cursor together with its position.
func (p *Pool) Current() (Credential, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return "", 0, &ConfigurationError{Err: ErrNoCredentials}
	}
	return p.creds[p.cursor], p.cursor, nil
}

// Advance rotates the cursor by one, wrapping to index 0.
func (p *Pool) Advance() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return "", &ConfigurationError{Err: ErrNoCredentials}
	}
	p.cursor = (p.cursor + 1) % len(p.creds)
	return p.creds[p.cursor], nil
}

// AdvanceFrom rotates past position from only if the cursor still points at it,
// so concurrent failures on the same credential rotate once, not twice.
func (p *Pool) AdvanceFrom(from int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 || p.cursor != from {
		return
	}
	p.cursor = (p.cursor + 1) % len(p.creds)
}

// At returns the credential at position i modulo the pool size.
func (p *Pool) At(i int) (Credential, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.creds)
	if n == 0 {
		return "", 0, &ConfigurationError{Err: ErrNoCredentials}
	}
	pos := ((i % n) + n) % n
	return p.creds[pos], pos, nil
}

// Label returns a log-safe name for cred.
func (p *Pool) Label(cred Credential) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.index[cred]; ok {
		return fmt.Sprintf("cred#%d", i)
	}
	return "cred#?"
}

// mask hides all but a short prefix of the secret.
func (c Credential) mask() string {
	const keep = 4
	if len(c) <= keep {
		return "****"
	}
	return string(c[:keep]) + "****"
}
