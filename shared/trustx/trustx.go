package trustx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/metricsx"
)

var (
	ErrUntrusted     = errors.New("untrusted")
	ErrPinMismatch   = errors.New("pin mismatch")
	ErrNoKeyForKeyID = errors.New("no key for key id")
)

// DefaultChainIndex selects the intermediate certificate; index 0 is the leaf.
const DefaultChainIndex = 1

// Evaluator decides whether a presented certificate chain is trusted. Every
// failure wraps ErrUntrusted.
type Evaluator interface {
	Evaluate(chain []*x509.Certificate) error
}

// PinnedKeyEvaluator accepts a chain when the SHA-256 of the public key at
// ChainIndex equals Pin. The index is fixed, the chain is not searched.
type PinnedKeyEvaluator struct {
	Pin        []byte
	ChainIndex int
}

func NewPinnedKeyEvaluator(pinBase64 string, chainIndex int) (*PinnedKeyEvaluator, error) {
	pin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(pinBase64))
	if err != nil {
		return nil, fmt.Errorf("decode pin: %w", err)
	}
	if len(pin) != sha256.Size {
		return nil, fmt.Errorf("pin must be %d bytes, got %d", sha256.Size, len(pin))
	}
	if chainIndex < 0 {
		return nil, fmt.Errorf("chain index must be >= 0, got %d", chainIndex)
	}
	return &PinnedKeyEvaluator{Pin: pin, ChainIndex: chainIndex}, nil
}

func (e *PinnedKeyEvaluator) Evaluate(chain []*x509.Certificate) error {
	if e == nil || len(e.Pin) != sha256.Size {
		return fmt.Errorf("%w: no pin configured", ErrUntrusted)
	}
	if e.ChainIndex < 0 || e.ChainIndex >= len(chain) || chain[e.ChainIndex] == nil {
		return fmt.Errorf("%w: chain of %d certificates has no index %d", ErrUntrusted, len(chain), e.ChainIndex)
	}
	hash, err := PublicKeyHash(chain[e.ChainIndex].PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUntrusted, err)
	}
	if subtle.ConstantTimeCompare(hash, e.Pin) != 1 {
		return fmt.Errorf("%w: %w", ErrUntrusted, ErrPinMismatch)
	}
	return nil
}

// PublicKeyHash returns the SHA-256 of the key's external representation:
// the uncompressed point for EC keys, PKCS#1 for RSA, the raw key for Ed25519.
func PublicKeyHash(pub any) ([]byte, error) {
	var raw []byte
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		ecdhKey, err := key.ECDH()
		if err != nil {
			return nil, err
		}
		raw = ecdhKey.Bytes()
	case *rsa.PublicKey:
		raw = x509.MarshalPKCS1PublicKey(key)
	case ed25519.PublicKey:
		raw = []byte(key)
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// KeyIDForCertificate is the base64 of the first 8 bytes of the SHA-256 over
// the DER certificate.
func KeyIDForCertificate(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.StdEncoding.EncodeToString(sum[:8])
}

// KeySetEvaluator looks up the leaf certificate's key ID in a JWK set and
// compares key thumbprints.
type KeySetEvaluator struct {
	set jwk.Set
}

func NewKeySetEvaluator(set jwk.Set) *KeySetEvaluator {
	return &KeySetEvaluator{set: set}
}

func ParseKeySet(data []byte) (jwk.Set, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUntrusted, err)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: empty key set", ErrUntrusted)
	}
	return set, nil
}

func LoadKeySet(path string) (jwk.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKeySet(data)
}

func (e *KeySetEvaluator) Evaluate(chain []*x509.Certificate) error {
	if e == nil || e.set == nil {
		return fmt.Errorf("%w: no key set configured", ErrUntrusted)
	}
	if len(chain) == 0 || chain[0] == nil {
		return fmt.Errorf("%w: empty chain", ErrUntrusted)
	}
	leaf := chain[0]
	kid := KeyIDForCertificate(leaf)
	key, ok := e.set.LookupKeyID(kid)
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrUntrusted, ErrNoKeyForKeyID, kid)
	}

	presented, err := jwk.FromRaw(leaf.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUntrusted, err)
	}
	want, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUntrusted, err)
	}
	got, err := presented.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUntrusted, err)
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return fmt.Errorf("%w: %w", ErrUntrusted, ErrPinMismatch)
	}
	return nil
}

// FailureKind names an evaluation error for metrics and logs.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPinMismatch):
		return "pin_mismatch"
	case errors.Is(err, ErrNoKeyForKeyID):
		return "no_key_for_key_id"
	default:
		return "untrusted"
	}
}

// VerifyConnection adapts an Evaluator to tls.Config.VerifyConnection. It runs
// after the standard chain verification, so both must pass.
func VerifyConnection(e Evaluator) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		err := e.Evaluate(cs.PeerCertificates)
		if err != nil {
			metricsx.IncTrustFailure(FailureKind(err))
		}
		return err
	}
}

func TLSConfig(e Evaluator) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if e != nil {
		cfg.VerifyConnection = VerifyConnection(e)
	}
	return cfg
}

// HTTPClient returns a traced client whose connections are gated by e.
func HTTPClient(e Evaluator, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = TLSConfig(e)
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// FromConfig builds the evaluator selected by configuration. The key set mode
// wins when both are configured; nil means no pinning was configured.
func FromConfig(cfg config.Config) (Evaluator, error) {
	if path := strings.TrimSpace(cfg.TrustJWKSPath); path != "" {
		set, err := LoadKeySet(path)
		if err != nil {
			return nil, err
		}
		return NewKeySetEvaluator(set), nil
	}
	if pin := strings.TrimSpace(cfg.TrustPinSHA256); pin != "" {
		return NewPinnedKeyEvaluator(pin, cfg.TrustPinChainIndex)
	}
	return nil, nil
}
