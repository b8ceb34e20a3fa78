package sigx

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrPackageMalformed = errors.New("package malformed")
	ErrSignatureInvalid = errors.New("signature invalid")
)

const (
	BinName = "export.bin"
	SigName = "export.sig"

	maxEntrySize = 16 << 20
)

// Package is a downloaded archive split into its signed payload and the
// detached signature over it.
type Package struct {
	Bin       []byte
	Signature []byte
}

func ParsePackage(data []byte) (Package, error) {
	if len(data) == 0 {
		return Package{}, fmt.Errorf("%w: empty package", ErrPackageMalformed)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Package{}, fmt.Errorf("%w: %w", ErrPackageMalformed, err)
	}
	var pkg Package
	for _, f := range zr.File {
		switch f.Name {
		case BinName:
			pkg.Bin, err = readEntry(f)
		case SigName:
			pkg.Signature, err = readEntry(f)
		default:
			continue
		}
		if err != nil {
			return Package{}, fmt.Errorf("%w: %s: %w", ErrPackageMalformed, f.Name, err)
		}
	}
	if pkg.Bin == nil {
		return Package{}, fmt.Errorf("%w: missing %s", ErrPackageMalformed, BinName)
	}
	if len(pkg.Signature) == 0 {
		return Package{}, fmt.Errorf("%w: missing %s", ErrPackageMalformed, SigName)
	}
	return pkg, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxEntrySize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxEntrySize {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxEntrySize)
	}
	return b, nil
}

// ParsePublicKey accepts a PEM block or base64 of a PKIX DER ECDSA key.
func ParsePublicKey(raw string) (*ecdsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("public key is empty")
	}
	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		der = decoded
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ECDSA", pub)
	}
	return key, nil
}

// Verifier checks ECDSA signatures over SHA-256. Any configured key may sign,
// which allows key rotation.
type Verifier struct {
	keys []*ecdsa.PublicKey
}

func NewVerifier(keys ...*ecdsa.PublicKey) *Verifier {
	out := make([]*ecdsa.PublicKey, 0, len(keys))
	for _, k := range keys {
		if k != nil {
			out = append(out, k)
		}
	}
	return &Verifier{keys: out}
}

func NewVerifierFromString(raw string) (*Verifier, error) {
	key, err := ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key), nil
}

func (v *Verifier) VerifyDetached(payload []byte, signature []byte) error {
	if v == nil || len(v.keys) == 0 {
		return fmt.Errorf("%w: no verification key", ErrSignatureInvalid)
	}
	digest := sha256.Sum256(payload)
	for _, key := range v.keys {
		if ecdsa.VerifyASN1(key, digest[:], signature) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

func (v *Verifier) Verify(pkg Package) error {
	return v.VerifyDetached(pkg.Bin, pkg.Signature)
}

// Open parses and verifies a package and returns the signed payload.
func (v *Verifier) Open(data []byte) ([]byte, error) {
	pkg, err := ParsePackage(data)
	if err != nil {
		return nil, err
	}
	if err := v.Verify(pkg); err != nil {
		return nil, err
	}
	return pkg.Bin, nil
}

func Sign(payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

// BuildPackage signs bin and writes both entries into a zip archive.
func BuildPackage(bin []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := Sign(bin, key)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{{BinName, bin}, {SigName, sig}} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(entry.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
