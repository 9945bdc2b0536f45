package signature

import (
	"bytes"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/smallstep/pkcs7"
	"go.cypherpunks.su/gogost/v6/gost3410"
	"go.cypherpunks.su/gogost/v6/gost34112012256"
)

// GOSTVerifyFunc checks a parsed detached envelope whose Content has already
// been set to the signed message. provider is the configured provider
// certificate, or nil when none is configured.
type GOSTVerifyFunc func(envelope *pkcs7.PKCS7, provider *x509.Certificate) error

var (
	// OIDStreebog256 identifies the GOST R 34.11-2012 256-bit digest.
	OIDStreebog256 = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 1, 2, 2}

	// OIDGOST3410_2012_256WithStreebog256 is the combined signature algorithm
	// some signers put in the signer info instead of the key algorithm.
	OIDGOST3410_2012_256WithStreebog256 = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 1, 3, 2}

	oidParamSetTC26A  = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 2, 1, 1, 1}
	oidParamSetTC26B  = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 2, 1, 1, 2}
	oidParamSetTC26C  = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 2, 1, 1, 3}
	oidParamSetTC26D  = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 2, 1, 1, 4}
	oidParamSetCPA    = asn1.ObjectIdentifier{1, 2, 643, 2, 2, 35, 1}
	oidParamSetCPB    = asn1.ObjectIdentifier{1, 2, 643, 2, 2, 35, 2}
	oidParamSetCPC    = asn1.ObjectIdentifier{1, 2, 643, 2, 2, 35, 3}
	oidParamSetCPXchA = asn1.ObjectIdentifier{1, 2, 643, 2, 2, 36, 0}
	oidParamSetCPXchB = asn1.ObjectIdentifier{1, 2, 643, 2, 2, 36, 1}
)

var (
	errNotGOSTEnvelope    = errors.New("signature: envelope is not bound to GOST R 34.10-2012")
	errNoSigners          = errors.New("signature: envelope has no signers")
	errNoSignerCert       = errors.New("signature: no certificate for signer")
	errUntrustedSigner    = errors.New("signature: signer is not the provider certificate")
	errGOSTDigestMismatch = errors.New("signature: message digest mismatch")
	errGOSTBadSignature   = errors.New("signature: gost signature does not verify")
)

// gostAttribute mirrors a CMS signed attribute so the set can be re-encoded
// for hashing.
type gostAttribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type gostKeyParams struct {
	Curve  asn1.ObjectIdentifier
	Digest asn1.ObjectIdentifier `asn1:"optional"`
}

// VerifyGOSTEnvelope verifies every signer of envelope with GOST R 34.10-2012
// (256-bit) over a GOST R 34.11-2012 digest. The signer certificate is taken
// from the envelope, falling back to provider; when provider is set the
// signer key must be the provider key.
func VerifyGOSTEnvelope(envelope *pkcs7.PKCS7, provider *x509.Certificate) error {
	if len(envelope.Signers) == 0 {
		return errNoSigners
	}
	for _, signer := range envelope.Signers {
		alg := signer.DigestEncryptionAlgorithm.Algorithm
		if !alg.Equal(OIDGOST3410_2012_256) && !alg.Equal(OIDGOST3410_2012_256WithStreebog256) {
			return errNotGOSTEnvelope
		}
		if !signer.DigestAlgorithm.Algorithm.Equal(OIDStreebog256) {
			return fmt.Errorf("%w: digest %v", errNotGOSTEnvelope, signer.DigestAlgorithm.Algorithm)
		}

		cert := findCertificate(envelope.Certificates, signer.IssuerAndSerialNumber.IssuerName.FullBytes,
			signer.IssuerAndSerialNumber.SerialNumber)
		switch {
		case cert == nil && provider == nil:
			return errNoSignerCert
		case cert == nil:
			cert = provider
		case provider != nil && !bytes.Equal(cert.RawSubjectPublicKeyInfo, provider.RawSubjectPublicKeyInfo):
			return errUntrustedSigner
		}

		pub, err := gostPublicKey(cert)
		if err != nil {
			return err
		}

		signed := envelope.Content
		if len(signer.AuthenticatedAttributes) > 0 {
			attrs := make([]gostAttribute, 0, len(signer.AuthenticatedAttributes))
			var digest []byte
			for _, a := range signer.AuthenticatedAttributes {
				attrs = append(attrs, gostAttribute{Type: a.Type, Value: a.Value})
				if a.Type.Equal(pkcs7.OIDAttributeMessageDigest) {
					if _, err := asn1.Unmarshal(a.Value.Bytes, &digest); err != nil {
						return fmt.Errorf("signature: message digest attribute: %w", err)
					}
				}
			}
			if subtle.ConstantTimeCompare(digest, streebog256(envelope.Content)) != 1 {
				return errGOSTDigestMismatch
			}
			if signed, err = marshalSignedAttributes(attrs); err != nil {
				return err
			}
		}

		ok, err := pub.VerifyDigest(gostDigest(signed), signer.EncryptedDigest)
		if err != nil {
			return fmt.Errorf("signature: gost verify: %w", err)
		}
		if !ok {
			return errGOSTBadSignature
		}
	}
	return nil
}

func findCertificate(certs []*x509.Certificate, rawIssuer []byte, serial *big.Int) *x509.Certificate {
	if serial == nil {
		return nil
	}
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(serial) == 0 && bytes.Equal(cert.RawIssuer, rawIssuer) {
			return cert
		}
	}
	return nil
}

// gostPublicKey decodes the GOST key from the certificate's raw
// SubjectPublicKeyInfo; crypto/x509 leaves PublicKey nil for it.
func gostPublicKey(cert *x509.Certificate) (*gost3410.PublicKey, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("signature: subject public key info: %w", err)
	}
	if !spki.Algorithm.Algorithm.Equal(OIDGOST3410_2012_256) {
		return nil, fmt.Errorf("%w: key algorithm %v", errNotGOSTEnvelope, spki.Algorithm.Algorithm)
	}

	var params gostKeyParams
	if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &params); err != nil {
		return nil, fmt.Errorf("signature: gost key parameters: %w", err)
	}
	curve := gostCurve(params.Curve)
	if curve == nil {
		return nil, fmt.Errorf("signature: unsupported gost parameter set %v", params.Curve)
	}

	var raw []byte
	if _, err := asn1.Unmarshal(spki.PublicKey.RightAlign(), &raw); err != nil {
		return nil, fmt.Errorf("signature: gost public key: %w", err)
	}
	return gost3410.NewPublicKeyLE(curve, raw)
}

// gostCurve maps a 256-bit parameter set OID to its curve. The TC26 B, C and
// D sets and the exchange sets are the CryptoPro curves under other names.
func gostCurve(oid asn1.ObjectIdentifier) *gost3410.Curve {
	switch {
	case oid.Equal(oidParamSetTC26A):
		return gost3410.CurveIdtc26gost341012256paramSetA()
	case oid.Equal(oidParamSetCPA), oid.Equal(oidParamSetTC26B), oid.Equal(oidParamSetCPXchA):
		return gost3410.CurveIdGostR34102001CryptoProAParamSet()
	case oid.Equal(oidParamSetCPB), oid.Equal(oidParamSetTC26C):
		return gost3410.CurveIdGostR34102001CryptoProBParamSet()
	case oid.Equal(oidParamSetCPC), oid.Equal(oidParamSetTC26D), oid.Equal(oidParamSetCPXchB):
		return gost3410.CurveIdGostR34102001CryptoProCParamSet()
	}
	return nil
}

// marshalSignedAttributes returns the DER SET OF encoding the signature covers.
func marshalSignedAttributes(attrs []gostAttribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []gostAttribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, fmt.Errorf("signature: signed attributes: %w", err)
	}
	var outer asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &outer); err != nil {
		return nil, fmt.Errorf("signature: signed attributes: %w", err)
	}
	return outer.Bytes, nil
}

func streebog256(data []byte) []byte {
	h := gost34112012256.New()
	h.Write(data)
	return h.Sum(nil)
}

// gostDigest is the Streebog digest in the little-endian order GOST R
// 34.10-2012 signs.
func gostDigest(data []byte) []byte {
	d := streebog256(data)
	for i, j := 0, len(d)-1; i < j; i, j = i+1, j-1 {
		d[i], d[j] = d[j], d[i]
	}
	return d
}

// checkGOSTEnvelope never returns an error or panics; every failure is false.
func checkGOSTEnvelope(fn GOSTVerifyFunc, provider *x509.Certificate, message, signature []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if len(signature) == 0 {
		return false
	}
	envelope, err := pkcs7.Parse(signature)
	if err != nil {
		return false
	}
	envelope.Content = message
	return fn(envelope, provider) == nil
}
