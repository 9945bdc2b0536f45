package tpm2

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-esia/pkg/certstore"
)

// Handle represents a TPM object handle for sealed data.
type Handle uint32

// TPMSession represents an active TPM connection capable of unsealing data.
type TPMSession interface {
	// Unseal returns the sealed blob behind handle. PCR policy, when the
	// object carries one, is enforced by the TPM.
	Unseal(ctx context.Context, handle Handle, password string) ([]byte, error)
	Close(ctx context.Context) error
}

// TPMProvider abstracts creation of TPM sessions from configuration.
type TPMProvider interface {
	Open(ctx context.Context, cfg Config) (TPMSession, error)
}

var (
	// ErrTPMUnavailable indicates the TPM device is not accessible.
	ErrTPMUnavailable = errors.New("tpm2: device unavailable")
	// ErrInvalidPassword indicates the supplied password was rejected during unsealing.
	ErrInvalidPassword = errors.New("tpm2: invalid authorization")
	// ErrPCRMismatch indicates PCR policy validation failed during unseal.
	ErrPCRMismatch = errors.New("tpm2: pcr policy validation failed")
	// ErrInvalidHandle indicates an invalid sealed object handle.
	ErrInvalidHandle = errors.New("tpm2: invalid sealed object handle")
	// ErrInvalidKey indicates the unsealed blob is not a private key.
	ErrInvalidKey = errors.New("tpm2: sealed data is not a private key")

	errSystemProviderUnavailable = errors.New("tpm2: system provider unavailable; build with -tags tpm2 or configure a TPM provider")
)

// Config locates the sealed signing key on a TPM 2.0 device.
type Config struct {
	// DevicePath is the TPM character device or a swtpm unix socket.
	DevicePath string
	// SealedHandle is the persistent handle (0x81xxxxxx) holding the sealed key.
	SealedHandle Handle
	// PCRSelection lists the PCRs of the sealing policy. Empty means the
	// object is protected by its password only.
	PCRSelection []int
	// HashAlgorithm names the PCR bank: "SHA1", "SHA256" (default), "SHA384" or "SHA512".
	HashAlgorithm string
}

func (c Config) validate() error {
	if c.DevicePath == "" {
		return errors.New("tpm2: device path must not be empty")
	}
	if c.SealedHandle == 0 {
		return errors.New("tpm2: sealed handle must be specified")
	}
	for _, pcr := range c.PCRSelection {
		if pcr < 0 || pcr > 23 {
			return fmt.Errorf("tpm2: PCR %d is invalid; must be between 0 and 23", pcr)
		}
	}
	switch c.HashAlgorithm {
	case "", "SHA1", "SHA256", "SHA384", "SHA512":
	default:
		return fmt.Errorf("tpm2: unsupported hash algorithm: %s", c.HashAlgorithm)
	}
	return nil
}

var systemTPMProvider TPMProvider

// SetSystemTPMProvider installs the provider used when callers pass nil to LoadSigner.
func SetSystemTPMProvider(p TPMProvider) {
	systemTPMProvider = p
}

// LoadSigner unseals a PEM or DER private key from the TPM and returns it as
// a crypto.Signer. The key lives in process memory afterwards; the TPM only
// guards it at rest.
func LoadSigner(ctx context.Context, cfg Config, password string, provider TPMProvider) (signer crypto.Signer, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemTPMProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemTPMProvider
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := provider.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			signer = nil
			err = errors.Join(err, cerr)
		}
	}()

	blob, err := session.Unseal(ctx, cfg.SealedHandle, password)
	if err != nil {
		return nil, err
	}

	key, err := certstore.ParsePrivateKey(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}
