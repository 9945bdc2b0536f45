package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeremyhahn/go-esia/pkg/certstore"
	"github.com/jeremyhahn/go-esia/pkg/metrics"
	"github.com/jeremyhahn/go-esia/pkg/signature"
	"github.com/jeremyhahn/go-esia/pkg/signature/pkcs11"
	"github.com/jeremyhahn/go-esia/pkg/signature/tpm2"
)

// newSigner selects the client secret signer from cfg.
func newSigner(ctx context.Context, cfg Config, logger *slog.Logger, recorder metrics.Recorder) (signature.Signer, error) {
	if cfg.RemoteSignerURL != "" {
		logger.Info("using remote signer", "url", cfg.RemoteSignerURL)
		return signature.NewRemote(cfg.RemoteSignerURL, nil, logger), nil
	}

	if cfg.CertFile == "" {
		return nil, errors.New("no signer configured: set REMOTE_SIGNER_URL or CERT_FILE")
	}

	var bundle *certstore.Bundle
	var err error
	switch {
	case cfg.PKCS11Module != "":
		bundle, err = certstore.LoadFiles(cfg.CertFile, "")
		if err != nil {
			return nil, err
		}
		token, err := pkcs11.NewSigner(pkcs11.Config{
			ModulePath: cfg.PKCS11Module,
			TokenLabel: cfg.PKCS11Token,
			Slot:       cfg.PKCS11Slot,
			KeyLabel:   cfg.PKCS11KeyLabel,
		}, cfg.PKCS11PIN, bundle.Certificate, nil)
		if err != nil {
			return nil, fmt.Errorf("pkcs11 signer: %w", err)
		}
		if bundle, err = bundle.WithSigner(token); err != nil {
			return nil, err
		}
		logger.Info("using pkcs11 signer", "module", cfg.PKCS11Module, "key_label", cfg.PKCS11KeyLabel)

	case cfg.TPMDevice != "":
		bundle, err = certstore.LoadFiles(cfg.CertFile, "")
		if err != nil {
			return nil, err
		}
		key, err := tpm2.LoadSigner(ctx, tpm2.Config{
			DevicePath:   cfg.TPMDevice,
			SealedHandle: tpm2.Handle(cfg.TPMHandle),
		}, cfg.TPMPassword, nil)
		if err != nil {
			return nil, fmt.Errorf("tpm2 signer: %w", err)
		}
		if bundle, err = bundle.WithSigner(key); err != nil {
			return nil, err
		}
		logger.Info("using tpm2 sealed key", "device", cfg.TPMDevice, "handle", fmt.Sprintf("%#x", cfg.TPMHandle))

	default:
		bundle, err = certstore.LoadFiles(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		if bundle.Key == nil {
			return nil, errors.New("no private key: set KEY_FILE or a hardware key source")
		}
		logger.Info("using certificate file signer", "subject", bundle.Certificate.Subject.String())
	}

	return signature.NewDefault(bundle.SigningFunc(), nil,
		signature.WithLogger(logger),
		signature.WithRecorder(recorder),
	), nil
}

// newVerifier selects the token signature verifier from cfg. It returns nil
// when verification is disabled.
func newVerifier(ctx context.Context, cfg Config, logger *slog.Logger, recorder metrics.Recorder) (signature.Verifier, error) {
	if !cfg.VerifyTokens {
		return nil, nil
	}

	switch {
	case cfg.JWKSURL != "":
		v, err := signature.NewJWKSVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		logger.Info("verifying tokens against jwks", "url", cfg.JWKSURL)
		return v, nil

	case cfg.LDAPURL != "":
		opts := []certstore.LDAPOption{certstore.WithCacheTTL(cfg.LDAPCacheTTL)}
		if cfg.LDAPBindDN != "" {
			opts = append(opts, certstore.WithServiceAccount(cfg.LDAPBindDN, cfg.LDAPBindPassword))
		}
		src, err := certstore.NewLDAPSource(cfg.LDAPURL, cfg.LDAPCertDN, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("verifying tokens with directory certificate", "url", cfg.LDAPURL, "dn", cfg.LDAPCertDN)
		return signature.NewDefault(nil, src.VerificationFunc(),
			signature.WithLogger(logger),
			signature.WithRecorder(recorder),
		), nil

	case cfg.ProviderCertFile != "":
		bundle, err := certstore.LoadFiles(cfg.ProviderCertFile, "")
		if err != nil {
			return nil, err
		}
		logger.Info("verifying tokens with certificate file", "subject", bundle.Certificate.Subject.String())
		return signature.NewDefault(nil, bundle.VerificationFunc(),
			signature.WithLogger(logger),
			signature.WithRecorder(recorder),
		), nil

	default:
		return nil, errors.New("token verification enabled but no provider certificate configured: set JWKS_URL, LDAP_URL or PROVIDER_CERT_FILE")
	}
}
