package riskconfig

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cwa-risk-core/core/risk"
	"cwa-risk-core/shared/clients/pkgclient"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/sigx"
)

const minimalConfig = `{
  "risk_score_normalization_divisor": 25,
  "normalized_time_per_day_to_risk_level_mapping": [
    {"range": {"min": 0, "max": 15}, "risk_level": "low"},
    {"range": {"min": 15, "max": 9999}, "risk_level": "high"}
  ]
}`

type staticFetcher struct {
	body []byte
	err  error
}

func (f staticFetcher) Fetch(context.Context, string, string) (pkgclient.Response, error) {
	if f.err != nil {
		return pkgclient.Response{}, f.err
	}
	return pkgclient.Response{StatusCode: 200, Body: f.body}, nil
}

func signingKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestLoadFromFileAppliesDefaultValidity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	src, err := FromConfig(config.Config{RiskConfigPath: path, ExposureValidityDays: 3}, nil)
	require.NoError(t, err)
	cfg, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, cfg.ExposureDetectionValidityDays)
	lvl, ok := cfg.NormalizedTimePerDayMapping.Classify(20)
	require.True(t, ok)
	require.Equal(t, risk.LevelHigh, lvl)
}

func TestLoadSampleConfiguration(t *testing.T) {
	src := Source{Path: filepath.Join("..", "..", "configs", "risk-config.json")}
	cfg, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, cfg.ExposureDetectionValidityDays)
	require.InDelta(t, 1.6, cfg.TransmissionRiskValue(8), 1e-9)
}

func TestLoadFromSignedPackage(t *testing.T) {
	key := signingKey(t)
	pkg, err := sigx.BuildPackage([]byte(minimalConfig), key)
	require.NoError(t, err)

	src := Source{URL: "https://example.test/risk", Fetcher: staticFetcher{body: pkg}, Verifier: sigx.NewVerifier(&key.PublicKey)}
	cfg, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(25), cfg.RiskScoreNormalizationDivisor)
}

func TestLoadRejectsForeignSignature(t *testing.T) {
	pkg, err := sigx.BuildPackage([]byte(minimalConfig), signingKey(t))
	require.NoError(t, err)

	other := signingKey(t)
	src := Source{URL: "https://example.test/risk", Fetcher: staticFetcher{body: pkg}, Verifier: sigx.NewVerifier(&other.PublicKey)}
	_, err = src.Load(context.Background())
	require.ErrorIs(t, err, sigx.ErrSignatureInvalid)
}

func TestLoadFetchFailure(t *testing.T) {
	src := Source{URL: "https://example.test/risk", Fetcher: staticFetcher{err: pkgclient.ErrNetwork}, Verifier: sigx.NewVerifier()}
	_, err := src.Load(context.Background())
	require.True(t, errors.Is(err, pkgclient.ErrNetwork))
}

func TestFromConfigRequiresSource(t *testing.T) {
	_, err := FromConfig(config.Config{}, nil)
	require.ErrorIs(t, err, ErrNoSource)

	_, err = FromConfig(config.Config{RiskConfigURL: "https://example.test/risk"}, nil)
	require.Error(t, err)
}

func TestHolderKeepsLastGoodConfiguration(t *testing.T) {
	var h Holder
	_, ok := h.Get()
	require.False(t, ok)

	path := filepath.Join(t.TempDir(), "risk.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))
	require.NoError(t, h.Refresh(context.Background(), Source{Path: path}))

	require.Error(t, h.Refresh(context.Background(), Source{Path: filepath.Join(t.TempDir(), "missing.json")}))
	cfg, ok := h.Get()
	require.True(t, ok)
	require.Equal(t, float64(25), cfg.RiskScoreNormalizationDivisor)
}
