// Package tpm2 releases an ESIA client signing key that was sealed into a
// TPM 2.0 device.
//
// The key is provisioned once as a sealed data object under a persistent
// handle, optionally bound to PCR values of a trusted boot state. At start-up
// LoadSigner unseals it and hands back a crypto.Signer suitable for
// certstore.Bundle.WithSigner.
//
// # Usage
//
//	cfg := tpm2.Config{
//		DevicePath:   "/dev/tpmrm0",
//		SealedHandle: 0x81000010,
//		PCRSelection: []int{0, 7},
//	}
//
//	key, err := tpm2.LoadSigner(ctx, cfg, os.Getenv("ESIA_TPM_PASSWORD"), nil)
//	if errors.Is(err, tpm2.ErrPCRMismatch) {
//		log.Fatal("platform state changed since the key was sealed")
//	}
//
// Passing a nil provider selects the native go-tpm implementation, compiled
// in with the tpm2 build tag. Tests and alternative backends supply their
// own TPMProvider.
package tpm2
