package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/jeremyhahn/go-esia/pkg/signature"
)

const defaultCertificateAttribute = "userCertificate;binary"

// ldapConn captures the subset of methods we exercise on *ldap.Conn.
type ldapConn interface {
	Bind(username, password string) error
	StartTLS(config *tls.Config) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// LDAPSource looks up the provider certificate in a directory entry and
// caches it for a configurable TTL.
type LDAPSource struct {
	url             string
	dn              string
	attribute       string
	serviceBindDN   string
	servicePassword string
	startTLS        bool
	tlsConfig       *tls.Config
	timeout         time.Duration
	ttl             time.Duration
	implicitTLS     bool

	dialContext func(ctx context.Context) (ldapConn, error)

	mu       sync.Mutex
	cached   *x509.Certificate
	cachedAt time.Time
	inflight *ldapFetch
}

// ldapFetch is a directory lookup shared by every caller that arrives while
// it runs. done is closed once cert and err are set.
type ldapFetch struct {
	done chan struct{}
	cert *x509.Certificate
	err  error
}

// LDAPOption configures an LDAPSource.
type LDAPOption func(*LDAPSource)

// WithServiceAccount binds with dn and password before searching.
func WithServiceAccount(dn, password string) LDAPOption {
	return func(s *LDAPSource) {
		s.serviceBindDN = dn
		s.servicePassword = password
	}
}

// WithStartTLS enables StartTLS negotiation after connecting over ldap://.
func WithStartTLS() LDAPOption {
	return func(s *LDAPSource) {
		s.startTLS = true
	}
}

// WithTLSConfig supplies the TLS configuration used for StartTLS or ldaps connections.
func WithTLSConfig(cfg *tls.Config) LDAPOption {
	return func(s *LDAPSource) {
		s.tlsConfig = cfg
	}
}

// WithTimeout sets the dial and search time limit.
func WithTimeout(d time.Duration) LDAPOption {
	return func(s *LDAPSource) {
		s.timeout = d
	}
}

// WithCacheTTL controls how long a fetched certificate is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) LDAPOption {
	return func(s *LDAPSource) {
		s.ttl = d
	}
}

// WithAttribute overrides the attribute holding the DER certificate.
func WithAttribute(name string) LDAPOption {
	return func(s *LDAPSource) {
		s.attribute = name
	}
}

// WithDialContext overrides the dial logic. Used in tests.
func WithDialContext(dial func(ctx context.Context) (ldapConn, error)) LDAPOption {
	return func(s *LDAPSource) {
		s.dialContext = dial
	}
}

// NewLDAPSource reads the certificate stored on the entry dn at url.
func NewLDAPSource(url, dn string, opts ...LDAPOption) (*LDAPSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("certstore: ldap url must not be empty")
	}
	if strings.TrimSpace(dn) == "" {
		return nil, errors.New("certstore: ldap dn must not be empty")
	}

	s := &LDAPSource{
		url:       url,
		dn:        dn,
		attribute: defaultCertificateAttribute,
		ttl:       time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if strings.HasPrefix(strings.ToLower(url), "ldaps://") {
		s.implicitTLS = true
		s.startTLS = false
		if s.tlsConfig == nil {
			s.tlsConfig = defaultTLSConfig()
		}
	} else if s.startTLS && s.tlsConfig == nil {
		s.tlsConfig = defaultTLSConfig()
	}

	return s, nil
}

// Certificate returns the cached certificate or fetches it from the directory.
// The directory is queried without holding the cache lock; callers arriving
// during a lookup wait for it or for their own context.
func (s *LDAPSource) Certificate(ctx context.Context) (*x509.Certificate, error) {
	s.mu.Lock()
	if s.cached != nil && s.ttl > 0 && time.Since(s.cachedAt) < s.ttl {
		cert := s.cached
		s.mu.Unlock()
		return cert, nil
	}

	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.cert, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &ldapFetch{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if call.err == nil && call.cert != nil {
			s.cached = call.cert
			s.cachedAt = time.Now()
		}
		s.inflight = nil
		s.mu.Unlock()
		close(call.done)
	}()

	// Seen by waiters if fetch panics.
	call.err = errors.New("certstore: ldap lookup aborted")
	call.cert, call.err = s.fetch(ctx)
	return call.cert, call.err
}

// VerificationFunc exposes the source as a verification certificate accessor.
func (s *LDAPSource) VerificationFunc() signature.VerificationCertificateFunc {
	return s.Certificate
}

func (s *LDAPSource) fetch(ctx context.Context) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if s.startTLS {
		if err := conn.StartTLS(s.tlsConfig); err != nil {
			return nil, fmt.Errorf("certstore: starttls failed: %w", err)
		}
	}

	if s.serviceBindDN != "" {
		if err := conn.Bind(s.serviceBindDN, s.servicePassword); err != nil {
			return nil, fmt.Errorf("certstore: service bind failed: %w", err)
		}
	}

	timeLimit := 0
	if s.timeout > 0 {
		timeLimit = int(s.timeout / time.Second)
	}
	req := ldap.NewSearchRequest(
		s.dn,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, timeLimit, false,
		"(objectClass=*)",
		[]string{s.attribute},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("certstore: search failed: %w", err)
	}

	for _, entry := range res.Entries {
		for _, name := range []string{s.attribute, strings.TrimSuffix(s.attribute, ";binary")} {
			der := entry.GetEqualFoldRawAttributeValue(name)
			if len(der) == 0 {
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("certstore: invalid certificate in %s: %w", name, err)
			}
			return cert, nil
		}
	}
	return nil, ErrNoCertificate
}

func (s *LDAPSource) dial(ctx context.Context) (ldapConn, error) {
	if s.dialContext != nil {
		return s.dialContext(ctx)
	}

	dialer := &net.Dialer{}
	if s.timeout > 0 {
		dialer.Timeout = s.timeout
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if s.implicitTLS {
		opts = append(opts, ldap.DialWithTLSConfig(s.tlsConfig))
	}

	conn, err := ldap.DialURL(s.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("certstore: dial failed: %w", err)
	}
	return conn, nil
}

func defaultTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
