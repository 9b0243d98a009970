package register

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pidserv/internal/platform/config"
	"pidserv/internal/queue"
	"pidserv/internal/search"
	"pidserv/internal/store"
)

const unavailable = "(:unav)"

// DataCiteAdapter registers DOIs through the DataCite MDS API: citation
// metadata as a DataCite kernel record on /metadata, the target URL as a
// "doi=...\nurl=..." body on /doi. Deactivation is a DELETE on the metadata,
// which hides the DOI from the index without unregistering it.
type DataCiteAdapter struct {
	cfg    config.RegistryConfig
	client *http.Client
}

func NewDataCite(cfg config.RegistryConfig) *DataCiteAdapter {
	return &DataCiteAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (d *DataCiteAdapter) Registrar() queue.Registrar {
	return queue.DataCite
}

func (d *DataCiteAdapter) Create(ctx context.Context, id string, metadata map[string]string) error {
	return d.Update(ctx, id, metadata)
}

func (d *DataCiteAdapter) Update(ctx context.Context, id string, metadata map[string]string) error {
	doi := strings.TrimPrefix(id, "doi:")
	record, err := FormDataCiteRecord(doi, metadata)
	if err != nil {
		return &PermanentError{Reason: err.Error()}
	}
	if err := d.request(ctx, http.MethodPut,
		"/metadata/"+url.PathEscape(doi), "application/xml;charset=UTF-8", record); err != nil {
		return fmt.Errorf("upload metadata: %w", err)
	}
	target := metadata[store.LabelTarget]
	body := fmt.Sprintf("doi=%s\nurl=%s",
		strings.ReplaceAll(doi, `\`, `\\`), strings.ReplaceAll(target, `\`, `\\`))
	if err := d.request(ctx, http.MethodPut,
		"/doi/"+url.PathEscape(doi), "text/plain;charset=UTF-8", body); err != nil {
		return fmt.Errorf("register target: %w", err)
	}
	return nil
}

// Delete deactivates the DOI. DOIs cannot be unregistered; a 404 means there
// is no metadata to hide, which is the desired end state anyway.
func (d *DataCiteAdapter) Delete(ctx context.Context, id string, _ map[string]string) error {
	doi := strings.TrimPrefix(id, "doi:")
	err := d.request(ctx, http.MethodDelete, "/metadata/"+url.PathEscape(doi), "", "")
	var pe *PermanentError
	if err != nil && errors.As(err, &pe) && strings.Contains(pe.Reason, "404") {
		return nil
	}
	return err
}

func (d *DataCiteAdapter) request(ctx context.Context, method, path, contentType, body string) error {
	req, err := http.NewRequestWithContext(ctx, method, d.cfg.URL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyResponse(resp)
}

type dataCiteResource struct {
	XMLName       xml.Name `xml:"resource"`
	XMLNS         string   `xml:"xmlns,attr"`
	Identifier    dataCiteIdentifier
	Creators      []string `xml:"creators>creator>creatorName"`
	Titles        []string `xml:"titles>title"`
	Publisher     string   `xml:"publisher"`
	PublicationYr string   `xml:"publicationYear"`
}

type dataCiteIdentifier struct {
	XMLName xml.Name `xml:"identifier"`
	Type    string   `xml:"identifierType,attr"`
	Value   string   `xml:",chardata"`
}

// FormDataCiteRecord builds a minimal DataCite kernel record from raw
// metadata. Mandatory fields that the metadata cannot supply are filled with
// the standard "(:unav)" code so reserved and sparse identifiers still
// validate.
func FormDataCiteRecord(doi string, metadata map[string]string) (string, error) {
	creator, title, publisher, year := search.MapCitation(metadata)
	if creator == "" {
		creator = unavailable
	}
	if title == "" {
		title = unavailable
	}
	if publisher == "" {
		publisher = unavailable
	}
	if year == "" {
		year = "0000"
	}
	r := dataCiteResource{
		XMLNS:         "http://datacite.org/schema/kernel-4",
		Identifier:    dataCiteIdentifier{Type: "DOI", Value: doi},
		Creators:      []string{creator},
		Titles:        []string{title},
		Publisher:     publisher,
		PublicationYr: year,
	}
	out, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal datacite record: %w", err)
	}
	return xml.Header + string(out), nil
}
