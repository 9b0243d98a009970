// Package dispatch is the façade over the store, minter, lock manager and
// caches. All identifier operations enter here; handlers and the CLI never
// touch the lower layers directly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"pidserv/internal/identifier"
	"pidserv/internal/locker"
	"pidserv/internal/minter"
	"pidserv/internal/platform/metrics"
	"pidserv/internal/queue"
	"pidserv/internal/store"
	"pidserv/pkg/sentinel"
)

// Caller is an authenticated API principal. The zero value is anonymous.
type Caller struct {
	Username string
	Group    string
	IsAdmin  bool
}

// Anonymous is the unauthenticated caller.
var Anonymous = Caller{}

func (c Caller) anonymous() bool {
	return c.Username == ""
}

func (c Caller) owns(rec *store.Identifier) bool {
	return c.IsAdmin || (!c.anonymous() && rec.Owner == c.Username)
}

// DepthReporter exposes one queue's backlog for the status report.
type DepthReporter interface {
	Registrar() queue.Registrar
	GetDepth(ctx context.Context) (queue.Depth, error)
}

// Service wires the identifier operations together.
type Service struct {
	store   store.Store
	minter  *minter.Minter
	locks   *locker.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics

	shoulders *gocache.Cache
	targets   *TargetCache
	enabled   map[queue.Registrar]bool
	depths    []DepthReporter
	now       func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Enabled          map[queue.Registrar]bool
	Depths           []DepthReporter
	TargetCache      *TargetCache
	ShoulderCacheTTL time.Duration
}

func New(st store.Store, mt *minter.Minter, lk *locker.Manager, m *metrics.Metrics, logger *slog.Logger, opts Options) *Service {
	ttl := opts.ShoulderCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if opts.Enabled == nil {
		opts.Enabled = map[queue.Registrar]bool{}
	}
	return &Service{
		store:     st,
		minter:    mt,
		locks:     lk,
		logger:    logger,
		metrics:   m,
		shoulders: gocache.New(ttl, 2*ttl),
		targets:   opts.TargetCache,
		enabled:   opts.Enabled,
		depths:    opts.Depths,
		now:       time.Now,
	}
}

// Authenticate verifies HTTP Basic credentials against the users table.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Caller, error) {
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Caller{}, sentinel.ErrForbidden
		}
		return Caller{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return Caller{}, sentinel.ErrForbidden
	}
	return Caller{Username: u.Username, Group: u.Group, IsAdmin: u.IsAdmin}, nil
}

// Mint creates a new identifier under the shoulder with a minted suffix. The
// shoulder lock serializes minting so concurrent requests cannot race the
// minter state; a minted suffix is never returned to the pool even when the
// subsequent create fails.
func (s *Service) Mint(ctx context.Context, caller Caller, shoulderPrefix string, metadata map[string]string) (*store.Identifier, error) {
	if caller.anonymous() {
		return nil, s.outcome("mint", sentinel.ErrForbidden)
	}
	sh, err := s.shoulder(ctx, shoulderPrefix)
	if err != nil {
		return nil, s.outcome("mint", err)
	}

	lockKey := sh.Prefix + ".shoulder"
	if !s.locks.Acquire(lockKey, caller.Username) {
		return nil, s.outcome("mint", sentinel.ErrBusy)
	}
	suffix, err := s.minter.Mint(ctx, sh.MinterPrefix)
	s.locks.Release(lockKey, caller.Username)
	if err != nil {
		return nil, s.outcome("mint", err)
	}
	s.metrics.Mints.Inc()

	id, err := identifier.Normalize(sh.Prefix + suffix)
	if err != nil {
		return nil, s.outcome("mint", fmt.Errorf("minted malformed identifier %q: %w", sh.Prefix+suffix, err))
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	if metadata[store.LabelProfile] == "" && sh.DefaultProfile != "" {
		metadata[store.LabelProfile] = sh.DefaultProfile
	}
	rec, err := s.createWithLock(ctx, caller, id, metadata, false)
	return rec, s.outcome("mint", err)
}

// Create registers the caller-chosen identifier. With updateIfExists, an
// existing identifier is updated instead of failing.
func (s *Service) Create(ctx context.Context, caller Caller, rawID string, metadata map[string]string, updateIfExists bool) (*store.Identifier, error) {
	if caller.anonymous() {
		return nil, s.outcome("create", sentinel.ErrForbidden)
	}
	id, err := identifier.Normalize(rawID)
	if err != nil {
		return nil, s.outcome("create", err)
	}
	rec, err := s.createWithLock(ctx, caller, id, metadata, updateIfExists)
	return rec, s.outcome("create", err)
}

func (s *Service) createWithLock(ctx context.Context, caller Caller, id string, metadata map[string]string, updateIfExists bool) (*store.Identifier, error) {
	if !s.locks.Acquire(id, caller.Username) {
		return nil, sentinel.ErrBusy
	}
	defer s.locks.Release(id, caller.Username)

	rec, err := s.buildRecord(caller, id, metadata)
	if err != nil {
		return nil, err
	}
	targets := s.targetsFor(ctx, rec)
	markCrossrefQueued(rec, targets)
	err = s.store.CreateIdentifier(ctx, rec, targets)
	if errors.Is(err, sentinel.ErrAlreadyExists) && updateIfExists {
		return s.updateLocked(ctx, caller, id, metadata)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("identifier created", "tid", uuid.NewString(),
		"identifier", id, "user", caller.Username, "status", string(rec.Status))
	return rec, nil
}

// buildRecord assembles a fresh record from client metadata. Reserved labels
// are consumed into record fields; unknown underscore labels are rejected.
func (s *Service) buildRecord(caller Caller, id string, metadata map[string]string) (*store.Identifier, error) {
	now := s.now().Unix()
	rec := &store.Identifier{
		Identifier: id,
		Owner:      caller.Username,
		Group:      caller.Group,
		Profile:    "erc",
		Status:     store.StatusPublic,
		Export:     true,
		CreateTime: now,
		UpdateTime: now,
		Metadata:   map[string]string{},
	}
	for label, value := range metadata {
		if err := s.applyLabel(caller, nil, rec, label, value); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// applyLabel routes one metadata element either into a record field (for
// reserved labels) or into the free metadata map. old carries the previous
// state for transition checks; it is nil on create, where any status is a
// legal starting state.
func (s *Service) applyLabel(caller Caller, old, rec *store.Identifier, label, value string) error {
	label = strings.TrimSpace(label)
	value = strings.TrimSpace(value)
	if label == "" {
		return fmt.Errorf("empty label: %w", sentinel.ErrBadRequest)
	}
	if !strings.HasPrefix(label, "_") {
		if value == "" {
			delete(rec.Metadata, label)
		} else {
			rec.Metadata[label] = value
		}
		return nil
	}
	switch label {
	case store.LabelTarget:
		rec.Target = value
	case store.LabelProfile:
		if value == "" {
			value = "erc"
		}
		rec.Profile = value
	case store.LabelExport:
		switch value {
		case "yes", "":
			rec.Export = true
		case "no":
			rec.Export = false
		default:
			return fmt.Errorf("_export must be yes or no: %w", sentinel.ErrBadRequest)
		}
	case store.LabelStatus:
		st, reason, ok := store.ParseStatus(value)
		if !ok {
			return fmt.Errorf("bad _status value %q: %w", value, sentinel.ErrBadRequest)
		}
		if old != nil && !store.ValidTransition(old.Status, st) {
			return fmt.Errorf("status cannot change from %s to %s: %w",
				old.Status, st, sentinel.ErrBadRequest)
		}
		rec.Status = st
		rec.StatusReason = reason
	case store.LabelOwner:
		if !caller.IsAdmin {
			return fmt.Errorf("_owner may only be set by an administrator: %w", sentinel.ErrForbidden)
		}
		if value != "" {
			rec.Owner = value
		}
	default:
		return fmt.Errorf("unknown reserved label %q: %w", label, sentinel.ErrBadRequest)
	}
	return nil
}

// CreateShoulder provisions a new mintable namespace: the shoulder row and
// its minter state, which must exist before the first mint. Administrators
// only; shoulders are immutable once created.
func (s *Service) CreateShoulder(ctx context.Context, caller Caller, prefix string, d map[string]string) (*store.Shoulder, error) {
	if !caller.IsAdmin {
		return nil, s.outcome("create_shoulder", sentinel.ErrForbidden)
	}
	if !identifier.IsValidShoulder(prefix) {
		return nil, s.outcome("create_shoulder",
			fmt.Errorf("%w - invalid shoulder %q", sentinel.ErrBadRequest, prefix))
	}
	mask := d["mask"]
	if mask == "" {
		mask = "eedk"
	}
	// Validate the mask before touching the store so a rejected mask cannot
	// leave a shoulder row without minter state.
	if _, err := minter.NewState(minterPrefix(prefix), mask); err != nil {
		return nil, s.outcome("create_shoulder",
			fmt.Errorf("%w - %v", sentinel.ErrBadRequest, err))
	}
	sh := &store.Shoulder{
		Prefix:         prefix,
		Name:           d["name"],
		MinterPrefix:   minterPrefix(prefix),
		DefaultProfile: d["profile"],
		Agency:         d["agency"],
		Datacenter:     d["datacenter"],
	}
	if sh.DefaultProfile == "" {
		sh.DefaultProfile = "erc"
	}
	if err := s.store.CreateShoulder(ctx, sh); err != nil {
		return nil, s.outcome("create_shoulder", err)
	}
	if err := s.minter.Provision(ctx, sh.MinterPrefix, mask); err != nil {
		return nil, s.outcome("create_shoulder", err)
	}
	s.shoulders.Flush()
	s.logger.Info("shoulder created", "prefix", prefix, "mask", mask,
		"user", caller.Username)
	return sh, s.outcome("create_shoulder", nil)
}

// minterPrefix strips the scheme so minter state is keyed the way the
// reference minter keys it ("99166/", "10.5072/FK2").
func minterPrefix(prefix string) string {
	if strings.HasPrefix(prefix, "ark:/") {
		return prefix[len("ark:/"):]
	}
	return strings.TrimPrefix(prefix, "doi:")
}

// View returns the record. Reserved identifiers are visible only to their
// owner and administrators; everything else is public information.
func (s *Service) View(ctx context.Context, caller Caller, rawID string) (*store.Identifier, error) {
	id, err := identifier.Normalize(rawID)
	if err != nil {
		return nil, s.outcome("view", err)
	}
	rec, err := s.store.GetIdentifier(ctx, id)
	if err != nil {
		return nil, s.outcome("view", err)
	}
	if rec.Status == store.StatusReserved && !caller.owns(rec) {
		return nil, s.outcome("view", sentinel.ErrNotFound)
	}
	return rec, s.outcome("view", nil)
}

// Update applies a metadata delta. An empty value removes the element. The
// enqueue operation becomes a create when the update takes the identifier out
// of reserved, since that is the registries' first sight of it.
func (s *Service) Update(ctx context.Context, caller Caller, rawID string, delta map[string]string) (*store.Identifier, error) {
	if caller.anonymous() {
		return nil, s.outcome("update", sentinel.ErrForbidden)
	}
	id, err := identifier.Normalize(rawID)
	if err != nil {
		return nil, s.outcome("update", err)
	}
	if !s.locks.Acquire(id, caller.Username) {
		return nil, s.outcome("update", sentinel.ErrBusy)
	}
	defer s.locks.Release(id, caller.Username)
	rec, err := s.updateLocked(ctx, caller, id, delta)
	return rec, s.outcome("update", err)
}

func (s *Service) updateLocked(ctx context.Context, caller Caller, id string, delta map[string]string) (*store.Identifier, error) {
	old, err := s.store.GetIdentifier(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.owns(old) {
		return nil, sentinel.ErrForbidden
	}

	rec := *old
	rec.Metadata = make(map[string]string, len(old.Metadata))
	for k, v := range old.Metadata {
		rec.Metadata[k] = v
	}
	for label, value := range delta {
		if err := s.applyLabel(caller, old, &rec, label, value); err != nil {
			return nil, err
		}
	}
	rec.UpdateTime = s.now().Unix()

	op := queue.OpUpdate
	if old.Status == store.StatusReserved && rec.Status != store.StatusReserved {
		op = queue.OpCreate
	}
	targets := s.targetsFor(ctx, &rec)
	markCrossrefQueued(&rec, targets)
	if err := s.store.UpdateIdentifier(ctx, &rec, op, targets); err != nil {
		return nil, err
	}
	s.targets.Invalidate(ctx, id)
	s.logger.Info("identifier updated", "tid", uuid.NewString(),
		"identifier", id, "user", caller.Username, "status", string(rec.Status))
	return &rec, nil
}

// Delete removes an identifier. Only reserved identifiers may be deleted by
// their owner; announced identifiers are permanent and require an
// administrator.
func (s *Service) Delete(ctx context.Context, caller Caller, rawID string) error {
	if caller.anonymous() {
		return s.outcome("delete", sentinel.ErrForbidden)
	}
	id, err := identifier.Normalize(rawID)
	if err != nil {
		return s.outcome("delete", err)
	}
	if !s.locks.Acquire(id, caller.Username) {
		return s.outcome("delete", sentinel.ErrBusy)
	}
	defer s.locks.Release(id, caller.Username)

	rec, err := s.store.GetIdentifier(ctx, id)
	if err != nil {
		return s.outcome("delete", err)
	}
	if !caller.owns(rec) {
		return s.outcome("delete", sentinel.ErrForbidden)
	}
	if rec.Status != store.StatusReserved && !caller.IsAdmin {
		return s.outcome("delete", sentinel.ErrImmutable)
	}

	// Reserved identifiers were never forwarded, so there is nothing to
	// retract externally.
	var targets []queue.Registrar
	if rec.Status != store.StatusReserved {
		targets = s.targetsFor(ctx, rec)
	}
	if err := s.store.DeleteIdentifier(ctx, rec, targets); err != nil {
		return s.outcome("delete", err)
	}
	s.targets.Invalidate(ctx, id)
	s.logger.Info("identifier deleted", "tid", uuid.NewString(),
		"identifier", id, "user", caller.Username)
	return s.outcome("delete", nil)
}

// StatusReport is the service health snapshot for the status endpoint.
type StatusReport struct {
	Paused  bool
	Active  map[string]int
	Waiting map[string]int
	Queues  map[queue.Registrar]queue.Depth
}

func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	ls := s.locks.GetStatus()
	report := &StatusReport{
		Paused:  ls.Paused,
		Active:  ls.Active,
		Waiting: ls.Waiting,
		Queues:  map[queue.Registrar]queue.Depth{},
	}
	for _, d := range s.depths {
		depth, err := d.GetDepth(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue depth for %s: %w", d.Registrar(), err)
		}
		report.Queues[d.Registrar()] = depth
	}
	return report, nil
}

// Pause toggles the global operation pause and returns the previous setting.
func (s *Service) Pause(on bool) bool {
	s.logger.Warn("pause flag changed", "paused", on)
	return s.locks.Pause(on)
}

// targetsFor routes a record to the registrars that must learn about it.
// Reserved identifiers go nowhere. ARKs go to the binder; DOIs go to the
// registration agency configured on their shoulder, defaulting to DataCite.
func (s *Service) targetsFor(ctx context.Context, rec *store.Identifier) []queue.Registrar {
	if rec.Status == store.StatusReserved {
		return nil
	}
	var out []queue.Registrar
	switch rec.Scheme() {
	case identifier.SchemeARK:
		if s.enabled[queue.Binder] {
			out = append(out, queue.Binder)
		}
	case identifier.SchemeDOI:
		agency := "datacite"
		if sh := s.shoulderFor(ctx, rec.Identifier); sh != nil && sh.Agency != "" {
			agency = sh.Agency
		}
		if agency == "crossref" && s.enabled[queue.Crossref] {
			out = append(out, queue.Crossref)
		} else if agency == "datacite" && s.enabled[queue.DataCite] {
			out = append(out, queue.DataCite)
		}
	}
	return out
}

// markCrossrefQueued notes a Crossref deposit about to be enqueued. The
// worker overwrites the status with the deposit outcome later.
func markCrossrefQueued(rec *store.Identifier, targets []queue.Registrar) {
	for _, t := range targets {
		if t == queue.Crossref {
			rec.CrossrefStatus = store.CrossrefQueued
			rec.CrossrefMessage = ""
			return
		}
	}
}

// shoulder returns the shoulder for an exact prefix, through the TTL cache.
func (s *Service) shoulder(ctx context.Context, prefix string) (*store.Shoulder, error) {
	if v, ok := s.shoulders.Get(prefix); ok {
		return v.(*store.Shoulder), nil
	}
	sh, err := s.store.GetShoulder(ctx, prefix)
	if err != nil {
		return nil, err
	}
	s.shoulders.Set(prefix, sh, gocache.DefaultExpiration)
	return sh, nil
}

// shoulderFor finds the longest shoulder prefix covering the identifier, or
// nil when none matches.
func (s *Service) shoulderFor(ctx context.Context, id string) *store.Shoulder {
	const allKey = "\x00all"
	var all []*store.Shoulder
	if v, ok := s.shoulders.Get(allKey); ok {
		all = v.([]*store.Shoulder)
	} else {
		var err error
		all, err = s.store.ListShoulders(ctx)
		if err != nil {
			s.logger.Error("list shoulders failed", "error", err)
			return nil
		}
		s.shoulders.Set(allKey, all, gocache.DefaultExpiration)
	}
	var best *store.Shoulder
	for _, sh := range all {
		if strings.HasPrefix(id, sh.Prefix) {
			if best == nil || len(sh.Prefix) > len(best.Prefix) {
				best = sh
			}
		}
	}
	return best
}

// outcome records the operation metric and passes the error through.
func (s *Service) outcome(op string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.Operations.WithLabelValues(op, result).Inc()
	return err
}
