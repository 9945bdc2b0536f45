//go:build tpm2 && !windows

package tpm2

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	gotpm "github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
	"github.com/google/go-tpm/tpm2/transport/linuxudstpm"
)

func init() {
	systemTPMProvider = &nativeProvider{}
}

// The TPM cannot run concurrent commands from one process.
var deviceMu sync.Mutex

type nativeProvider struct{}

func (nativeProvider) Open(ctx context.Context, cfg Config) (TPMSession, error) {
	info, err := os.Stat(cfg.DevicePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTPMUnavailable
		}
		return nil, fmt.Errorf("tpm2: failed to stat device: %w", err)
	}

	deviceMu.Lock()
	var tpm transport.TPMCloser
	if info.Mode()&os.ModeSocket != 0 {
		tpm, err = linuxudstpm.Open(cfg.DevicePath)
	} else {
		tpm, err = linuxtpm.Open(cfg.DevicePath)
	}
	if err != nil {
		deviceMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTPMUnavailable, err)
	}

	return &nativeSession{tpm: tpm, cfg: cfg, bank: hashAlgorithm(cfg.HashAlgorithm)}, nil
}

type nativeSession struct {
	tpm  transport.TPMCloser
	cfg  Config
	bank gotpm.TPMAlgID
	once sync.Once
}

func (s *nativeSession) Unseal(ctx context.Context, handle Handle, password string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := gotpm.TPMHandle(handle)
	pub, err := gotpm.ReadPublic{ObjectHandle: h}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	area, err := pub.OutPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm2: failed to read public area: %w", err)
	}

	if len(area.AuthPolicy.Buffer) == 0 {
		return s.unseal(h, pub.Name, gotpm.PasswordAuth([]byte(password)))
	}

	sess, closeSession, err := gotpm.PolicySession(s.tpm, gotpm.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("tpm2: failed to start policy session: %w", err)
	}
	defer closeSession()

	_, err = gotpm.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs: gotpm.TPMLPCRSelection{
			PCRSelections: []gotpm.TPMSPCRSelection{{
				Hash:      s.bank,
				PCRSelect: pcrSelect(s.cfg.PCRSelection),
			}},
		},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return s.unseal(h, pub.Name, sess)
}

func (s *nativeSession) unseal(h gotpm.TPMHandle, name gotpm.TPM2BName, auth gotpm.Session) ([]byte, error) {
	rsp, err := gotpm.Unseal{
		ItemHandle: gotpm.AuthHandle{Handle: h, Name: name, Auth: auth},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return rsp.OutData.Buffer, nil
}

func (s *nativeSession) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		defer deviceMu.Unlock()
		err = s.tpm.Close()
	})
	return err
}

func pcrSelect(pcrs []int) []byte {
	sel := make([]byte, 3)
	for _, pcr := range pcrs {
		sel[pcr/8] |= 1 << uint(pcr%8)
	}
	return sel
}

func hashAlgorithm(name string) gotpm.TPMAlgID {
	switch name {
	case "SHA1":
		return gotpm.TPMAlgSHA1
	case "SHA384":
		return gotpm.TPMAlgSHA384
	case "SHA512":
		return gotpm.TPMAlgSHA512
	default:
		return gotpm.TPMAlgSHA256
	}
}

func mapTPMError(err error) error {
	switch {
	case errors.Is(err, gotpm.TPMRCAuthFail), errors.Is(err, gotpm.TPMRCBadAuth):
		return fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	case errors.Is(err, gotpm.TPMRCPolicyFail):
		return fmt.Errorf("%w: %v", ErrPCRMismatch, err)
	case errors.Is(err, gotpm.TPMRCHandle):
		return fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	default:
		return fmt.Errorf("tpm2: unseal failed: %w", err)
	}
}
