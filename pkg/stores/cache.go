package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/rs/zerolog"
)

// DefaultFactsTTL is how long collected facts are reused.
const DefaultFactsTTL = 15 * time.Minute

// CachingFactProvider serves facts from the store while they are fresh and
// falls back to the wrapped provider otherwise.
type CachingFactProvider struct {
	store  Store
	next   engine.FactProvider
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewCachingFactProvider wraps next with a store-backed cache. A ttl of zero
// uses DefaultFactsTTL.
func NewCachingFactProvider(store Store, next engine.FactProvider, ttl time.Duration, logger zerolog.Logger) *CachingFactProvider {
	if ttl <= 0 {
		ttl = DefaultFactsTTL
	}
	return &CachingFactProvider{
		store:  store,
		next:   next,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "facts_cache").Logger(),
	}
}

// ResolveFacts implements engine.FactProvider.
func (p *CachingFactProvider) ResolveFacts(ctx context.Context, server *engine.Server) (engine.Facts, error) {
	rec, err := p.store.GetFacts(ctx, server.Name)
	switch {
	case err == nil && p.now().Sub(rec.CollectedAt) < p.ttl:
		p.logger.Debug().Str("server", server.Name).Time("collected_at", rec.CollectedAt).Msg("Using cached facts")
		return rec.Facts(), nil
	case err != nil && !errors.Is(err, ErrNotFound):
		p.logger.Warn().Err(err).Str("server", server.Name).Msg("Failed to read cached facts")
	}

	facts, err := p.next.ResolveFacts(ctx, server)
	if err != nil {
		return engine.Facts{}, err
	}

	if err := p.store.UpsertFacts(ctx, NewFactRecord(server.Name, facts, p.now())); err != nil {
		p.logger.Warn().Err(err).Str("server", server.Name).Msg("Failed to cache facts")
	}
	return facts, nil
}

// Invalidate drops cached facts older than the TTL.
func (p *CachingFactProvider) Invalidate(ctx context.Context) (int64, error) {
	return p.store.DeleteFactsOlderThan(ctx, p.now().Add(-p.ttl))
}

// NewFactRecord converts engine facts into a storable record. Labels are
// not stored since the engine derives them from the manifest.
func NewFactRecord(server string, facts engine.Facts, collectedAt time.Time) *FactRecord {
	return &FactRecord{
		Server:      server,
		OSName:      facts.OS.Name,
		OSVersion:   facts.OS.Version,
		Kernel:      facts.OS.Kernel,
		Arch:        facts.OS.Arch,
		Hostname:    facts.OS.Hostname,
		Extra:       facts.Extra,
		CollectedAt: collectedAt,
	}
}

// Facts converts the record back into engine facts.
func (f *FactRecord) Facts() engine.Facts {
	return engine.Facts{
		OS: engine.OSFacts{
			Name:     f.OSName,
			Version:  f.OSVersion,
			Kernel:   f.Kernel,
			Arch:     f.Arch,
			Hostname: f.Hostname,
		},
		Extra: f.Extra,
	}
}
