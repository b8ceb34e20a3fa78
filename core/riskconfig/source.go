// Package riskconfig loads the risk configuration from a local JSON file or
// from a signed remote package.
package riskconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cwa-risk-core/core/risk"
	"cwa-risk-core/shared/clients/pkgclient"
	"cwa-risk-core/shared/config"
	"cwa-risk-core/shared/sigx"
)

var ErrNoSource = errors.New("risk configuration source not configured")

type Fetcher interface {
	Fetch(ctx context.Context, url string, etag string) (pkgclient.Response, error)
}

type Source struct {
	Path     string
	URL      string
	Fetcher  Fetcher
	Verifier *sigx.Verifier
	// DefaultValidityDays fills ExposureDetectionValidityDays when the
	// loaded configuration leaves it unset.
	DefaultValidityDays int
}

// FromConfig prefers the local file; a remote URL needs a public key.
func FromConfig(cfg config.Config, fetcher Fetcher) (Source, error) {
	src := Source{
		Path:                strings.TrimSpace(cfg.RiskConfigPath),
		DefaultValidityDays: cfg.ExposureValidityDays,
	}
	if src.Path != "" {
		return src, nil
	}
	src.URL = strings.TrimSpace(cfg.RiskConfigURL)
	if src.URL == "" {
		return Source{}, ErrNoSource
	}
	verifier, err := sigx.NewVerifierFromString(cfg.RiskConfigPublicKey)
	if err != nil {
		return Source{}, fmt.Errorf("RISK_CONFIG_PUBLIC_KEY: %w", err)
	}
	src.Fetcher = fetcher
	src.Verifier = verifier
	return src, nil
}

func (s Source) Load(ctx context.Context) (risk.Configuration, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case s.Path != "":
		data, err = os.ReadFile(s.Path)
		if err != nil {
			return risk.Configuration{}, fmt.Errorf("read risk configuration: %w", err)
		}
	case s.URL != "":
		data, err = s.fetch(ctx)
		if err != nil {
			return risk.Configuration{}, err
		}
	default:
		return risk.Configuration{}, ErrNoSource
	}

	cfg, err := risk.ParseConfiguration(data)
	if err != nil {
		return risk.Configuration{}, err
	}
	if cfg.ExposureDetectionValidityDays <= 0 && s.DefaultValidityDays > 0 {
		cfg.ExposureDetectionValidityDays = s.DefaultValidityDays
	}
	return cfg, nil
}

func (s Source) fetch(ctx context.Context) ([]byte, error) {
	if s.Fetcher == nil || s.Verifier == nil {
		return nil, errors.New("risk configuration fetcher or verifier missing")
	}
	resp, err := s.Fetcher.Fetch(ctx, s.URL, "")
	if err != nil {
		return nil, fmt.Errorf("fetch risk configuration: %w", err)
	}
	bin, err := s.Verifier.Open(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("open risk configuration package: %w", err)
	}
	return bin, nil
}
