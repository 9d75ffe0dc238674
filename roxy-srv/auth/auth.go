// Package auth implements Basic proxy authentication.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pezcode/http-roxy/roxy-srv/config"
)

// HeaderName is the request header carrying proxy credentials.
const HeaderName = "Proxy-Authorization"

const basicPrefix = "Basic "

var errInvalidLogin = errors.New("invalid login")

// Credential is a name/password pair compared byte for byte.
type Credential struct {
	Name     string
	Password string
}

// Headers is the part of a parsed request the gate needs.
type Headers interface {
	Header(name string) string
	HasHeader(name string) bool
}

// Set is an immutable collection of accepted credentials. It is safe for
// concurrent use by all workers.
type Set struct {
	credentials []Credential
}

// NewSet copies creds into a new Set.
func NewSet(creds ...Credential) *Set {
	return &Set{credentials: append([]Credential(nil), creds...)}
}

// FromConfig builds a Set from configured credentials.
func FromConfig(creds []config.Credential) *Set {
	set := &Set{credentials: make([]Credential, 0, len(creds))}
	for _, c := range creds {
		set.credentials = append(set.credentials, Credential{Name: c.Name, Password: c.Password})
	}
	return set
}

// Enabled reports whether any credential is configured. An empty Set admits
// every request.
func (s *Set) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// Len returns the number of credentials.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.credentials)
}

// Contains reports whether c is one of the configured credentials.
// TODO: switch to crypto/subtle once the credential store hashes passwords.
func (s *Set) Contains(c Credential) bool {
	if s == nil {
		return false
	}
	for _, cred := range s.credentials {
		if cred == c {
			return true
		}
	}
	return false
}

// Check reports whether req may pass the gate.
func (s *Set) Check(req Headers) bool {
	if !s.Enabled() {
		return true
	}
	if !req.HasHeader(HeaderName) {
		return false
	}
	cred, err := ParseCredential(req.Header(HeaderName))
	if err != nil {
		return false
	}
	return s.Contains(cred)
}

// ParseCredential decodes a "Basic <base64(name:password)>" header value. The
// scheme token must appear verbatim at the start of the value.
func ParseCredential(value string) (Credential, error) {
	if !strings.HasPrefix(value, basicPrefix) {
		return Credential{}, fmt.Errorf("%w: missing %q scheme", errInvalidLogin, strings.TrimSpace(basicPrefix))
	}

	plain, err := base64.StdEncoding.DecodeString(value[len(basicPrefix):])
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", errInvalidLogin, err)
	}

	name, password, found := strings.Cut(string(plain), ":")
	if !found {
		return Credential{}, fmt.Errorf("%w: no colon in credential", errInvalidLogin)
	}
	return Credential{Name: name, Password: password}, nil
}

// WriteChallenge sends the 407 response using the request's HTTP version.
// The response has no body.
func WriteChallenge(w io.Writer, major, minor int) error {
	resp := fmt.Sprintf("HTTP/%d.%d 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n", major, minor)
	n, err := io.WriteString(w, resp)
	if err != nil {
		return err
	}
	if n != len(resp) {
		return io.ErrShortWrite
	}
	return nil
}
