// Package linkcheck probes the target URLs of public identifiers. It works
// off the link_checker table the store maintains, spreads attention fairly
// across owners, and feeds verdicts back into the search projection's
// link_is_broken flag.
package linkcheck

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"pidserv/internal/platform/config"
	"pidserv/internal/platform/metrics"
	"pidserv/internal/search"
)

const maxRedirects = 10

// Checker is the background link checker.
type Checker struct {
	db      *sql.DB
	cfg     config.LinkCheckerConfig
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(db *sql.DB, cfg config.LinkCheckerConfig, m *metrics.Metrics, logger *slog.Logger) *Checker {
	return &Checker{
		db:  db,
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Run probes due targets on the configured interval until cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Pass(ctx); err != nil {
				c.logger.Error("link check pass failed", "error", err)
			}
		}
	}
}

type target struct {
	identifier  string
	owner       string
	url         string
	numFailures int
	isBad       bool
}

// Pass checks one batch of due targets.
func (c *Checker) Pass(ctx context.Context) error {
	targets, err := c.loadDue(ctx)
	if err != nil {
		return err
	}
	for _, t := range interleaveByOwner(targets) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.checkOne(ctx, t)
	}
	return nil
}

// loadDue returns due targets ordered so that working links are revisited
// before known-bad ones, oldest check first.
func (c *Checker) loadDue(ctx context.Context) ([]target, error) {
	due := c.now().Add(-c.cfg.RecheckAfter).Unix()
	rows, err := c.db.QueryContext(ctx, `
		SELECT identifier, owner, target, num_failures, is_bad
		FROM link_checker
		WHERE last_check_time <= $1
		ORDER BY owner, is_bad, last_check_time
		LIMIT $2`, due, c.cfg.BatchPerOwner*100)
	if err != nil {
		return nil, fmt.Errorf("load link targets: %w", err)
	}
	defer rows.Close()

	var out []target
	perOwner := map[string]int{}
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.identifier, &t.owner, &t.url, &t.numFailures, &t.isBad); err != nil {
			return nil, fmt.Errorf("scan link target: %w", err)
		}
		if perOwner[t.owner] >= c.cfg.BatchPerOwner {
			continue
		}
		perOwner[t.owner]++
		out = append(out, t)
	}
	return out, rows.Err()
}

// interleaveByOwner round-robins across owners so one registrant's large
// holdings cannot starve everyone else.
func interleaveByOwner(targets []target) []target {
	byOwner := map[string][]target{}
	var owners []string
	for _, t := range targets {
		if _, ok := byOwner[t.owner]; !ok {
			owners = append(owners, t.owner)
		}
		byOwner[t.owner] = append(byOwner[t.owner], t)
	}
	out := make([]target, 0, len(targets))
	for i := 0; len(out) < len(targets); i++ {
		for _, o := range owners {
			if i < len(byOwner[o]) {
				out = append(out, byOwner[o][i])
			}
		}
	}
	return out
}

func (c *Checker) checkOne(ctx context.Context, t target) {
	res, probeErr := c.probe(ctx, t.url)
	now := c.now().Unix()
	if probeErr == nil {
		c.metrics.LinkChecks.WithLabelValues("ok").Inc()
		_, err := c.db.ExecContext(ctx, `
			UPDATE link_checker
			SET last_check_time = $1, num_failures = 0, is_bad = FALSE,
			    error = '', return_code = $2, mime_type = $3, content_size = $4,
			    content_hash = $5
			WHERE identifier = $6`,
			now, res.returnCode, res.mimeType, res.size, res.hash, t.identifier)
		if err != nil {
			c.logger.Error("record link success failed", "identifier", t.identifier, "error", err)
			return
		}
		if t.isBad {
			// One success clears the verdict.
			if err := search.SetLinkBroken(ctx, c.db, t.identifier, false); err != nil {
				c.logger.Error("clear link_is_broken failed", "identifier", t.identifier, "error", err)
			}
		}
		return
	}

	c.metrics.LinkChecks.WithLabelValues("failed").Inc()
	failures := t.numFailures + 1
	bad := failures >= c.cfg.MaxFailures
	_, err := c.db.ExecContext(ctx, `
		UPDATE link_checker
		SET last_check_time = $1, num_failures = $2, is_bad = $3, error = $4,
		    return_code = $5
		WHERE identifier = $6`,
		now, failures, bad, probeErr.Error(), res.returnCode, t.identifier)
	if err != nil {
		c.logger.Error("record link failure failed", "identifier", t.identifier, "error", err)
		return
	}
	if bad && !t.isBad {
		c.logger.Warn("target marked broken", "identifier", t.identifier,
			"target", t.url, "failures", failures)
		if err := search.SetLinkBroken(ctx, c.db, t.identifier, true); err != nil {
			c.logger.Error("set link_is_broken failed", "identifier", t.identifier, "error", err)
		}
	}
}

// probeResult is what one successful fetch records. returnCode is filled as
// soon as a response arrives, so failed probes with an HTTP status still
// report it; a transport failure leaves it 0.
type probeResult struct {
	returnCode int
	mimeType   string
	size       int64
	hash       string
}

// probe fetches the target and returns its response details and a content
// hash. Reads are capped; a slow or enormous page should not stall the whole
// pass.
func (c *Checker) probe(ctx context.Context, url string) (probeResult, error) {
	var res probeResult
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return res, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	res.returnCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("status %s", resp.Status)
	}
	res.mimeType = resp.Header.Get("Content-Type")
	h := md5.New()
	n, err := io.Copy(h, io.LimitReader(resp.Body, c.cfg.MaxReadBytes))
	if err != nil {
		return res, fmt.Errorf("read body: %w", err)
	}
	res.size = n
	res.hash = hex.EncodeToString(h.Sum(nil))
	return res, nil
}
