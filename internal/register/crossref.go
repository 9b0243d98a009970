package register

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pidserv/internal/platform/config"
	"pidserv/internal/queue"
	"pidserv/internal/search"
	"pidserv/internal/store"
)

// CrossrefAdapter submits deposit batches to the Crossref deposit endpoint.
// Crossref has no delete: a removed DOI is redeposited pointing at the
// configured tombstone target so the registration stays valid.
type CrossrefAdapter struct {
	cfg    config.CrossrefConfig
	client *http.Client
}

func NewCrossref(cfg config.CrossrefConfig) *CrossrefAdapter {
	return &CrossrefAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *CrossrefAdapter) Registrar() queue.Registrar {
	return queue.Crossref
}

func (c *CrossrefAdapter) Create(ctx context.Context, id string, metadata map[string]string) error {
	return c.deposit(ctx, id, metadata[store.LabelTarget], metadata)
}

func (c *CrossrefAdapter) Update(ctx context.Context, id string, metadata map[string]string) error {
	return c.deposit(ctx, id, metadata[store.LabelTarget], metadata)
}

func (c *CrossrefAdapter) Delete(ctx context.Context, id string, metadata map[string]string) error {
	return c.deposit(ctx, id, c.cfg.TombstoneTarget, metadata)
}

func (c *CrossrefAdapter) deposit(ctx context.Context, id, target string, metadata map[string]string) error {
	doi := strings.TrimPrefix(id, "doi:")
	batch, err := formCrossrefDeposit(doi, target, c.cfg, metadata)
	if err != nil {
		return &PermanentError{Reason: err.Error()}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("fname", "deposit.xml")
	if err != nil {
		return err
	}
	if _, err := fw.Write([]byte(batch)); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	q := url.Values{
		"operation":    {"doMDUpload"},
		"login_id":     {c.cfg.Username},
		"login_passwd": {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.URL+"?"+q.Encode(), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyResponse(resp)
}

type crossrefDeposit struct {
	XMLName   xml.Name     `xml:"doi_batch"`
	Version   string       `xml:"version,attr"`
	XMLNS     string       `xml:"xmlns,attr"`
	Head      crossrefHead `xml:"head"`
	DOI       string       `xml:"body>dataset>doi_data>doi"`
	Resource  string       `xml:"body>dataset>doi_data>resource"`
	Title     string       `xml:"body>dataset>titles>title"`
}

type crossrefHead struct {
	BatchID   string `xml:"doi_batch_id"`
	Timestamp string `xml:"timestamp"`
	Depositor struct {
		Name  string `xml:"depositor_name"`
		Email string `xml:"email_address"`
	} `xml:"depositor"`
	Registrant string `xml:"registrant"`
}

// crossrefStatusStore is the slice of the identifier store the recorder needs.
type crossrefStatusStore interface {
	SetCrossrefStatus(ctx context.Context, id string, st store.CrossrefStatus, msg string) error
}

// CrossrefStatusRecorder reflects deposit outcomes onto the identifier
// record: registered on success, failure on a permanent rejection, warning
// while a recoverable error is being retried. Dispatch sets queued at
// enqueue time.
type CrossrefStatusRecorder struct {
	store  crossrefStatusStore
	logger *slog.Logger
}

func NewCrossrefStatusRecorder(st crossrefStatusStore, logger *slog.Logger) *CrossrefStatusRecorder {
	return &CrossrefStatusRecorder{store: st, logger: logger}
}

func (r *CrossrefStatusRecorder) RecordOutcome(ctx context.Context, id string, result error) {
	st, msg := store.CrossrefRegistered, ""
	switch {
	case result == nil:
	case IsPermanent(result):
		st, msg = store.CrossrefFailed, result.Error()
	default:
		st, msg = store.CrossrefWarning, result.Error()
	}
	if err := r.store.SetCrossrefStatus(ctx, id, st, msg); err != nil {
		r.logger.Error("crossref status update failed", "identifier", id, "error", err)
	}
}

func formCrossrefDeposit(doi, target string, cfg config.CrossrefConfig, metadata map[string]string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("doi %s: no target for crossref deposit", doi)
	}
	_, title, _, _ := search.MapCitation(metadata)
	if title == "" {
		title = unavailable
	}
	d := crossrefDeposit{
		Version:  "4.4.2",
		XMLNS:    "http://www.crossref.org/schema/4.4.2",
		DOI:      doi,
		Resource: target,
		Title:    title,
	}
	d.Head.BatchID = doi + "/" + strconv.FormatInt(time.Now().Unix(), 10)
	d.Head.Timestamp = strconv.FormatInt(time.Now().UnixNano(), 10)
	d.Head.Depositor.Name = cfg.Depositor
	d.Head.Depositor.Email = cfg.DepositorEmail
	d.Head.Registrant = cfg.Depositor
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crossref deposit: %w", err)
	}
	return xml.Header + string(out), nil
}
