package dispatch

import (
	"context"
	"errors"

	"pidserv/internal/identifier"
	"pidserv/internal/store"
	"pidserv/pkg/sentinel"
)

// Resolution is the outcome of a resolve request.
type Resolution struct {
	// Identifier is the canonical identifier that matched, which may be a
	// proper prefix of the request.
	Identifier string
	// Target is the redirect destination, with any extra request suffix
	// passed through.
	Target string
	// Unavailable is set when the identifier exists but has been withdrawn;
	// there is no redirect in that case.
	Unavailable bool
	Reason      string
}

// Resolve maps a resolution request to its redirect target. Requests may
// carry extra suffix characters beyond a registered identifier; the longest
// registered prefix wins and the remainder is appended to its target.
// Reserved identifiers do not resolve. fillCache is off for crawler traffic
// so bulk walks do not evict interactive entries.
func (s *Service) Resolve(ctx context.Context, rawID string, fillCache bool) (*Resolution, error) {
	id, err := identifier.Normalize(rawID)
	if err != nil {
		// A malformed or incomplete path is indistinguishable from an
		// unregistered identifier to a resolution client.
		s.metrics.Resolutions.WithLabelValues("malformed").Inc()
		return nil, sentinel.ErrNotFound
	}

	if target, ok := s.targets.Get(ctx, id); ok {
		s.metrics.Resolutions.WithLabelValues("cache_hit").Inc()
		return &Resolution{Identifier: id, Target: target}, nil
	}

	rec, err := s.store.GetIdentifier(ctx, id)
	suffix := ""
	if errors.Is(err, sentinel.ErrNotFound) {
		rec, err = s.store.FindLongestPrefix(ctx, id)
		if err == nil {
			suffix = id[len(rec.Identifier):]
		}
	}
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.Resolutions.WithLabelValues("not_found").Inc()
		} else {
			s.metrics.Resolutions.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	switch rec.Status {
	case store.StatusReserved:
		// Not announced yet; indistinguishable from nonexistent.
		s.metrics.Resolutions.WithLabelValues("not_found").Inc()
		return nil, sentinel.ErrNotFound
	case store.StatusUnavailable:
		s.metrics.Resolutions.WithLabelValues("unavailable").Inc()
		return &Resolution{
			Identifier:  rec.Identifier,
			Unavailable: true,
			Reason:      rec.StatusReason,
		}, nil
	}

	if rec.Target == "" {
		s.metrics.Resolutions.WithLabelValues("no_target").Inc()
		return nil, sentinel.ErrNotFound
	}
	s.metrics.Resolutions.WithLabelValues("ok").Inc()
	if fillCache && suffix == "" {
		s.targets.Set(ctx, id, rec.Target)
	}
	return &Resolution{Identifier: rec.Identifier, Target: rec.Target + suffix}, nil
}
