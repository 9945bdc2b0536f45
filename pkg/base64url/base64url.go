// Package base64url implements the URL-safe base64 dialect spoken by ESIA.
//
// Encode produces the URL-safe alphabet without '=' padding and appends a
// single marker digit holding the number of padding characters removed
// ('0', '1' or '2'). The marker is not part of RFC 4648; the provider expects
// it inside client_secret values and it must be kept byte-for-byte.
//
// Token segments issued by the provider carry no marker and are decoded with
// DecodeSegment.
package base64url

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrIllegalString indicates the input cannot be decoded.
var ErrIllegalString = errors.New("illegal base64url string")

var (
	toURL = strings.NewReplacer("+", "-", "/", "_")
	toStd = strings.NewReplacer("-", "+", "_", "/")
)

// Encode encodes b and appends the padding marker. Empty input yields "".
func Encode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := base64.StdEncoding.EncodeToString(b)
	trimmed := strings.TrimRight(s, "=")
	pad := len(s) - len(trimmed)
	return toURL.Replace(trimmed) + string(rune('0'+pad))
}

// Decode reverses Encode. Decode(Encode(b)) returns b for every b.
func Decode(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	marker := s[len(s)-1]
	if marker < '0' || marker > '2' {
		return nil, ErrIllegalString
	}
	body := s[:len(s)-1]
	pad := int(marker - '0')
	if (len(body)+pad)%4 != 0 {
		return nil, ErrIllegalString
	}
	out, err := base64.StdEncoding.DecodeString(toStd.Replace(body) + strings.Repeat("=", pad))
	if err != nil {
		return nil, ErrIllegalString
	}
	return out, nil
}

// DecodeSegment decodes an unmarked URL-safe segment, restoring padding from
// the length: remainder 0 needs none, 2 needs "==", 3 needs "=". Any other
// remainder is rejected.
func DecodeSegment(s string) ([]byte, error) {
	s = toStd.Replace(s)
	switch len(s) % 4 {
	case 0:
	case 2:
		s += "=="
	case 3:
		s += "="
	default:
		return nil, ErrIllegalString
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrIllegalString
	}
	return out, nil
}
