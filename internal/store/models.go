// Package store is the authoritative persistence layer: identifier records,
// shoulders, users and groups. Every mutation that must reach an external
// registry appends queue rows and refreshes the search projection inside the
// same transaction, so a committed record and its outbound work are never
// separated.
package store

import (
	"strconv"
	"strings"

	"pidserv/internal/search"
	"pidserv/pkg/anvl"
)

// Status is an identifier's lifecycle state.
type Status string

const (
	StatusReserved    Status = "reserved"
	StatusPublic      Status = "public"
	StatusUnavailable Status = "unavailable"
)

// ParseStatus validates a client-supplied status value. An unavailable status
// may carry a reason after a pipe, e.g. "unavailable | withdrawn".
func ParseStatus(s string) (Status, string, bool) {
	base, reason, _ := strings.Cut(s, "|")
	st := Status(strings.TrimSpace(base))
	switch st {
	case StatusReserved, StatusPublic, StatusUnavailable:
		return st, strings.TrimSpace(reason), true
	}
	return "", "", false
}

// ValidTransition reports whether an identifier may move between statuses.
// Reserved is an entry state only; once an identifier has been announced it
// can toggle between public and unavailable but never return to reserved.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return to != StatusReserved
}

// CrossrefStatus tracks asynchronous Crossref registration progress.
type CrossrefStatus string

const (
	CrossrefNone       CrossrefStatus = ""
	CrossrefQueued     CrossrefStatus = "queued"
	CrossrefRegistered CrossrefStatus = "registered"
	CrossrefWarning    CrossrefStatus = "warning"
	CrossrefFailed     CrossrefStatus = "failure"
)

// Reserved metadata labels. Everything beginning with "_" is owned by the
// service; clients may only set the ones the dispatch layer whitelists.
const (
	LabelOwner           = "_owner"
	LabelGroup           = "_group"
	LabelCreated         = "_created"
	LabelUpdated         = "_updated"
	LabelTarget          = "_target"
	LabelProfile         = "_profile"
	LabelStatus          = "_status"
	LabelExport          = "_export"
	LabelCrossrefStatus  = "_crossref_status"
	LabelCrossrefMessage = "_crossref_message"
)

// Identifier is the authoritative record for one persistent identifier. The
// Identifier field is always in canonical form and includes the scheme.
type Identifier struct {
	Identifier      string
	Owner           string
	Group           string
	Profile         string
	Target          string
	Status          Status
	StatusReason    string
	Export          bool
	CreateTime      int64
	UpdateTime      int64
	Metadata        map[string]string
	CrossrefStatus  CrossrefStatus
	CrossrefMessage string
}

// Scheme returns "ark" or "doi".
func (r *Identifier) Scheme() string {
	s, _, _ := strings.Cut(r.Identifier, ":")
	return s
}

func (r *Identifier) statusValue() string {
	if r.Status == StatusUnavailable && r.StatusReason != "" {
		return string(r.Status) + " | " + r.StatusReason
	}
	return string(r.Status)
}

// Snapshot renders the record as a flat metadata mapping, system labels
// included. It is the view returned by the API and the payload frozen into
// queue rows at enqueue time.
func (r *Identifier) Snapshot() map[string]string {
	d := make(map[string]string, len(r.Metadata)+8)
	for k, v := range r.Metadata {
		d[k] = v
	}
	d[LabelOwner] = r.Owner
	d[LabelGroup] = r.Group
	d[LabelCreated] = strconv.FormatInt(r.CreateTime, 10)
	d[LabelUpdated] = strconv.FormatInt(r.UpdateTime, 10)
	d[LabelTarget] = r.Target
	d[LabelProfile] = r.Profile
	d[LabelStatus] = r.statusValue()
	if r.Export {
		d[LabelExport] = "yes"
	} else {
		d[LabelExport] = "no"
	}
	if r.CrossrefStatus != CrossrefNone {
		d[LabelCrossrefStatus] = string(r.CrossrefStatus)
		if r.CrossrefMessage != "" {
			d[LabelCrossrefMessage] = r.CrossrefMessage
		}
	}
	return d
}

// SnapshotANVL is Snapshot rendered as an ANVL record.
func (r *Identifier) SnapshotANVL() []byte {
	return []byte(anvl.Format(r.Snapshot()))
}

func (r *Identifier) searchDoc() *search.Doc {
	creator, title, publisher, date := search.MapCitation(r.Metadata)
	return &search.Doc{
		Identifier:      r.Identifier,
		Owner:           r.Owner,
		Group:           r.Group,
		Scheme:          r.Scheme(),
		Profile:         r.Profile,
		Target:          r.Target,
		Status:          string(r.Status),
		CreateTime:      r.CreateTime,
		UpdateTime:      r.UpdateTime,
		Creator:         creator,
		Title:           title,
		Publisher:       publisher,
		PublicationDate: date,
	}
}

// User is an authenticated API account.
type User struct {
	Username     string
	Group        string
	PasswordHash string
	IsAdmin      bool
}

// Group is an administrative grouping of users.
type Group struct {
	Name         string
	Organization string
}

// Shoulder is a mintable namespace prefix and its registration wiring.
type Shoulder struct {
	Prefix         string // canonical, scheme-qualified, e.g. "ark:/99166/"
	Name           string
	MinterPrefix   string // scheme-less minter state key, e.g. "99166/"
	DefaultProfile string
	Agency         string // "", "datacite" or "crossref" for DOI shoulders
	Datacenter     string // DataCite datacenter symbol
}
