package dccrules

import (
	"context"
	"errors"
	"strings"
	"time"

	"cwa-risk-core/shared/cachex"
	"cwa-risk-core/shared/clients/pkgclient"
	"cwa-risk-core/shared/sigx"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string, etag string) (pkgclient.Response, error)
}

type PackageCache interface {
	GetPackage(ctx context.Context, name string) (cachex.Package, bool, error)
	SetPackage(ctx context.Context, name string, pkg cachex.Package, ttl time.Duration) error
}

// Provider downloads the signed rules package, verifies it and keeps the
// verified payload for conditional refreshes.
type Provider struct {
	URL      string
	Fetcher  Fetcher
	Cache    PackageCache
	Verifier *sigx.Verifier
	CacheTTL time.Duration
	Now      func() time.Time
}

func (p *Provider) cacheName() string {
	return "dcc-rules:" + p.URL
}

// Rules returns the current rule list. Server and network failures fall back
// to the cached package; client errors, a bad signature and a missing ETag do
// not.
func (p *Provider) Rules(ctx context.Context) ([]Rule, error) {
	cached, hasCache := p.cached(ctx)

	resp, err := p.Fetcher.Fetch(ctx, p.URL, cached.ETag)
	if err != nil {
		return p.fallback(cached, hasCache, classifyFetchError(err))
	}
	if resp.NotModified {
		if !hasCache {
			return nil, ErrMissingCache
		}
		return DecodeRules(cached.Data)
	}
	etag := strings.TrimSpace(resp.ETag)
	if etag == "" {
		return nil, ErrMissingETag
	}

	bin, err := p.Verifier.Open(resp.Body)
	if err != nil {
		if errors.Is(err, sigx.ErrPackageMalformed) {
			return nil, ErrDecodingFailed
		}
		return nil, ErrSignatureInvalid
	}
	rules, err := DecodeRules(bin)
	if err != nil {
		return nil, err
	}
	if p.Cache != nil {
		pkg := cachex.Package{ETag: etag, Data: bin, FetchedAt: p.now()}
		// a failed write only costs the next conditional request
		_ = p.Cache.SetPackage(ctx, p.cacheName(), pkg, p.CacheTTL)
	}
	return rules, nil
}

// cached treats an unreadable cache as empty.
func (p *Provider) cached(ctx context.Context) (cachex.Package, bool) {
	if p.Cache == nil {
		return cachex.Package{}, false
	}
	pkg, ok, err := p.Cache.GetPackage(ctx, p.cacheName())
	if err != nil || !ok {
		return cachex.Package{}, false
	}
	return pkg, true
}

func (p *Provider) fallback(cached cachex.Package, hasCache bool, cause Error) ([]Rule, error) {
	if cause.Kind == KindClientError || !hasCache {
		return nil, cause
	}
	rules, err := DecodeRules(cached.Data)
	if err != nil {
		return nil, cause
	}
	return rules, nil
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func classifyFetchError(err error) Error {
	var statusErr *pkgclient.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.ClientSide() {
			return ClientError(statusErr.StatusCode)
		}
		return ServerError(statusErr.StatusCode)
	}
	return ErrNoNetwork
}
