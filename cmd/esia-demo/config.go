package main

import "time"

// Config holds server configuration loaded from ESIA_ prefixed environment variables
type Config struct {
	Port              int           `envconfig:"PORT" default:"8080"`
	BaseURL           string        `envconfig:"BASE_URL" required:"true"`
	CallbackPath      string        `envconfig:"CALLBACK_PATH" default:"/esia-signin"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled    bool          `envconfig:"METRICS_ENABLED" default:"true"`

	// Provider
	Environment string        `envconfig:"ENVIRONMENT" default:"testing"`
	ClientID    string        `envconfig:"CLIENT_ID" required:"true"`
	Scopes      []string      `envconfig:"SCOPES" default:"openid,fullname,email,mobile"`
	AccessType  string        `envconfig:"ACCESS_TYPE" default:"online"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s"`

	// Client secret signing. The first configured source wins: remote
	// signer, PKCS#11 token, TPM sealed key, PEM key file.
	CertFile        string `envconfig:"CERT_FILE"`
	KeyFile         string `envconfig:"KEY_FILE"`
	RemoteSignerURL string `envconfig:"REMOTE_SIGNER_URL"`
	PKCS11Module    string `envconfig:"PKCS11_MODULE"`
	PKCS11Token     string `envconfig:"PKCS11_TOKEN"`
	PKCS11Slot      string `envconfig:"PKCS11_SLOT"`
	PKCS11KeyLabel  string `envconfig:"PKCS11_KEY_LABEL"`
	PKCS11PIN       string `envconfig:"PKCS11_PIN"`
	TPMDevice       string `envconfig:"TPM_DEVICE"`
	TPMHandle       uint32 `envconfig:"TPM_HANDLE"`
	TPMPassword     string `envconfig:"TPM_PASSWORD"`

	// Token signature verification. The first configured source wins:
	// JWKS, LDAP directory entry, certificate file.
	VerifyTokens     bool          `envconfig:"VERIFY_TOKENS" default:"true"`
	ProviderCertFile string        `envconfig:"PROVIDER_CERT_FILE"`
	JWKSURL          string        `envconfig:"JWKS_URL"`
	LDAPURL          string        `envconfig:"LDAP_URL"`
	LDAPCertDN       string        `envconfig:"LDAP_CERT_DN"`
	LDAPBindDN       string        `envconfig:"LDAP_BIND_DN"`
	LDAPBindPassword string        `envconfig:"LDAP_BIND_PASSWORD"`
	LDAPCacheTTL     time.Duration `envconfig:"LDAP_CACHE_TTL" default:"1h"`

	// Sign-in state
	StateKey        string        `envconfig:"STATE_KEY"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	CorrelationTTL  time.Duration `envconfig:"CORRELATION_TTL" default:"15m"`
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"1h"`
	InsecureCookies bool          `envconfig:"INSECURE_COOKIES" default:"false"`
}
