package esia

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-esia/pkg/signature"
)

// AccessType selects whether the provider issues a refresh token.
type AccessType string

const (
	// AccessOnline requests an access token only.
	AccessOnline AccessType = "online"

	// AccessOffline additionally requests a refresh token.
	AccessOffline AccessType = "offline"
)

// RequestTypeCode is the authorization code response type.
const RequestTypeCode = "code"

// Provider endpoints.
const (
	ProductionAuthURL  = "https://esia.gosuslugi.ru/aas/oauth2/ac"
	ProductionTokenURL = "https://esia.gosuslugi.ru/aas/oauth2/te"
	ProductionRestURL  = "https://esia.gosuslugi.ru/rs"

	TestingAuthURL  = "https://esia-portal1.test.gosuslugi.ru/aas/oauth2/ac"
	TestingTokenURL = "https://esia-portal1.test.gosuslugi.ru/aas/oauth2/te"
	TestingRestURL  = "https://esia-portal1.test.gosuslugi.ru/rs"
)

const defaultTimeout = 60 * time.Second

// Production returns the endpoints of the production portal.
func Production() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: ProductionAuthURL, TokenURL: ProductionTokenURL, AuthStyle: oauth2.AuthStyleInParams}
}

// Testing returns the endpoints of the test portal.
func Testing() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: TestingAuthURL, TokenURL: TestingTokenURL, AuthStyle: oauth2.AuthStyleInParams}
}

// Resources holds the path suffixes of the REST API.
type Resources struct {
	Persons       string
	Contacts      string
	Addresses     string
	Documents     string
	Organizations string
	Kids          string
	Vehicles      string
	Roles         string
}

// DefaultResources returns the suffixes used by the provider.
func DefaultResources() Resources {
	return Resources{
		Persons:       "prns",
		Contacts:      "ctts",
		Addresses:     "addrs",
		Documents:     "docs",
		Organizations: "orgs",
		Kids:          "kids",
		Vehicles:      "vhls",
		Roles:         "roles",
	}
}

func (r *Resources) applyDefaults() {
	d := DefaultResources()
	setDefault(&r.Persons, d.Persons)
	setDefault(&r.Contacts, d.Contacts)
	setDefault(&r.Addresses, d.Addresses)
	setDefault(&r.Documents, d.Documents)
	setDefault(&r.Organizations, d.Organizations)
	setDefault(&r.Kids, d.Kids)
	setDefault(&r.Vehicles, d.Vehicles)
	setDefault(&r.Roles, d.Roles)
}

func setDefault(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// Config contains the client configuration. It must not be modified after
// Validate has been called.
type Config struct {
	// ClientID is the mnemonic of the client system registered with the provider.
	ClientID string

	// Scopes are sent space separated.
	Scopes []string

	// Endpoint holds the authorize and token URLs. See Production and Testing.
	Endpoint oauth2.Endpoint

	// RestURL is the REST API base. Defaults to "/rs" on the authorize host.
	RestURL string

	// CallbackURL is the default redirect_uri.
	CallbackURL string

	// AccessType defaults to AccessOnline.
	AccessType AccessType

	// RequestType defaults to RequestTypeCode.
	RequestType string

	// State is sent with every request and must be echoed back unchanged.
	// A random UUID is generated when empty.
	State string

	// Signer produces the client_secret signature.
	Signer signature.Signer

	// Verifier checks access token signatures. Optional; without it
	// VerifyToken reports ErrSignatureUnavailable.
	Verifier signature.Verifier

	// Timeout bounds every backchannel call. Defaults to 60 seconds.
	Timeout time.Duration

	// TLSConfig allows custom TLS configuration.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables TLS certificate verification (not recommended).
	InsecureSkipVerify bool

	// Resources overrides REST path suffixes. Empty fields keep their defaults.
	Resources Resources
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.Scope()) == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidConfiguration)
	}
	if c.Signer == nil {
		return fmt.Errorf("%w: signer is required", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.Endpoint.AuthURL) == "" {
		return fmt.Errorf("%w: auth url is required", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.Endpoint.TokenURL) == "" {
		return fmt.Errorf("%w: token url is required", ErrInvalidConfiguration)
	}

	if c.RequestType == "" {
		c.RequestType = RequestTypeCode
	}
	if strings.TrimSpace(c.RequestType) == "" {
		return fmt.Errorf("%w: request type is required", ErrInvalidConfiguration)
	}

	switch c.AccessType {
	case "":
		c.AccessType = AccessOnline
	case AccessOnline, AccessOffline:
	default:
		return fmt.Errorf("%w: unsupported access type %q", ErrInvalidConfiguration, c.AccessType)
	}

	if c.RestURL == "" {
		u, err := url.Parse(c.Endpoint.AuthURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: rest url is required", ErrInvalidConfiguration)
		}
		c.RestURL = u.Scheme + "://" + u.Host + "/rs"
	}

	if c.State == "" {
		c.State = uuid.NewString()
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	c.Resources.applyDefaults()

	return nil
}

// Scope returns the scopes as sent on the wire.
func (c *Config) Scope() string {
	return strings.Join(c.Scopes, " ")
}
