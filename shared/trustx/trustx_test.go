package trustx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChain struct {
	leaf, intermediate, root *x509.Certificate
	leafKey                  *ecdsa.PrivateKey
}

func (c testChain) certs() []*x509.Certificate {
	return []*x509.Certificate{c.leaf, c.intermediate, c.root}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func issue(t *testing.T, serial int64, name string, isCA bool, pub *ecdsa.PublicKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newChain(t *testing.T) testChain {
	t.Helper()
	rootKey := newKey(t)
	root := issue(t, 1, "root", true, &rootKey.PublicKey, nil, rootKey)
	interKey := newKey(t)
	inter := issue(t, 2, "intermediate", true, &interKey.PublicKey, root, rootKey)
	leafKey := newKey(t)
	leaf := issue(t, 3, "leaf", false, &leafKey.PublicKey, inter, interKey)
	return testChain{leaf: leaf, intermediate: inter, root: root, leafKey: leafKey}
}

func pinFor(t *testing.T, cert *x509.Certificate) string {
	t.Helper()
	hash, err := PublicKeyHash(cert.PublicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(hash)
}

func TestPinnedKeyEvaluatorAcceptsIntermediatePin(t *testing.T) {
	chain := newChain(t)
	e, err := NewPinnedKeyEvaluator(pinFor(t, chain.intermediate), DefaultChainIndex)
	require.NoError(t, err)
	assert.NoError(t, e.Evaluate(chain.certs()))
}

func TestPinnedKeyEvaluatorRejectsLeafPin(t *testing.T) {
	chain := newChain(t)
	e, err := NewPinnedKeyEvaluator(pinFor(t, chain.leaf), DefaultChainIndex)
	require.NoError(t, err)

	err = e.Evaluate(chain.certs())
	require.ErrorIs(t, err, ErrUntrusted)
	assert.ErrorIs(t, err, ErrPinMismatch)
}

func TestPinnedKeyEvaluatorShortChain(t *testing.T) {
	chain := newChain(t)
	e, err := NewPinnedKeyEvaluator(pinFor(t, chain.intermediate), DefaultChainIndex)
	require.NoError(t, err)

	err = e.Evaluate([]*x509.Certificate{chain.leaf})
	require.ErrorIs(t, err, ErrUntrusted)
	assert.NotErrorIs(t, err, ErrPinMismatch)

	assert.ErrorIs(t, e.Evaluate(nil), ErrUntrusted)
}

func TestPinnedKeyEvaluatorConfigurableIndex(t *testing.T) {
	chain := newChain(t)
	e, err := NewPinnedKeyEvaluator(pinFor(t, chain.root), 2)
	require.NoError(t, err)
	assert.NoError(t, e.Evaluate(chain.certs()))
}

func TestNewPinnedKeyEvaluatorValidation(t *testing.T) {
	_, err := NewPinnedKeyEvaluator("not base64!", 1)
	assert.Error(t, err)
	_, err = NewPinnedKeyEvaluator(base64.StdEncoding.EncodeToString([]byte("short")), 1)
	assert.Error(t, err)
	_, err = NewPinnedKeyEvaluator(base64.StdEncoding.EncodeToString(make([]byte, 32)), -1)
	assert.Error(t, err)

	var zero *PinnedKeyEvaluator
	assert.ErrorIs(t, zero.Evaluate(newChain(t).certs()), ErrUntrusted)
}

func keySetWith(t *testing.T, kid string, pub *ecdsa.PublicKey) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(pub)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))

	// round trip through the wire format the evaluator is fed from
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	parsed, err := ParseKeySet(raw)
	require.NoError(t, err)
	return parsed
}

func TestKeySetEvaluator(t *testing.T) {
	chain := newChain(t)
	kid := KeyIDForCertificate(chain.leaf)

	t.Run("match", func(t *testing.T) {
		e := NewKeySetEvaluator(keySetWith(t, kid, &chain.leafKey.PublicKey))
		assert.NoError(t, e.Evaluate(chain.certs()))
	})

	t.Run("unknown key id", func(t *testing.T) {
		e := NewKeySetEvaluator(keySetWith(t, "AAAAAAAAAAA=", &chain.leafKey.PublicKey))
		err := e.Evaluate(chain.certs())
		require.ErrorIs(t, err, ErrUntrusted)
		assert.ErrorIs(t, err, ErrNoKeyForKeyID)
		assert.NotErrorIs(t, err, ErrPinMismatch)
		assert.Equal(t, "no_key_for_key_id", FailureKind(err))
	})

	t.Run("key id found but different key", func(t *testing.T) {
		other := newKey(t)
		e := NewKeySetEvaluator(keySetWith(t, kid, &other.PublicKey))
		err := e.Evaluate(chain.certs())
		require.ErrorIs(t, err, ErrUntrusted)
		assert.ErrorIs(t, err, ErrPinMismatch)
		assert.NotErrorIs(t, err, ErrNoKeyForKeyID)
		assert.Equal(t, "pin_mismatch", FailureKind(err))
	})

	t.Run("empty chain", func(t *testing.T) {
		e := NewKeySetEvaluator(keySetWith(t, kid, &chain.leafKey.PublicKey))
		assert.ErrorIs(t, e.Evaluate(nil), ErrUntrusted)
	})
}

func TestParseKeySetRejectsGarbage(t *testing.T) {
	_, err := ParseKeySet([]byte("{"))
	assert.ErrorIs(t, err, ErrUntrusted)
	_, err = ParseKeySet([]byte(`{"keys":[]}`))
	assert.ErrorIs(t, err, ErrUntrusted)
}

func TestVerifyConnectionUsesPeerCertificates(t *testing.T) {
	chain := newChain(t)
	e, err := NewPinnedKeyEvaluator(pinFor(t, chain.intermediate), DefaultChainIndex)
	require.NoError(t, err)

	verify := TLSConfig(e).VerifyConnection
	require.NotNil(t, verify)
	assert.NoError(t, verify(tls.ConnectionState{PeerCertificates: chain.certs()}))
	assert.ErrorIs(t, verify(tls.ConnectionState{PeerCertificates: chain.certs()[:1]}), ErrUntrusted)
}
