package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCitationERC(t *testing.T) {
	creator, title, publisher, date := MapCitation(map[string]string{
		"erc.who":  "Lederberg, Joshua",
		"erc.what": "Studies of Human Families",
		"erc.when": "1974",
	})
	assert.Equal(t, "Lederberg, Joshua", creator)
	assert.Equal(t, "Studies of Human Families", title)
	assert.Empty(t, publisher)
	assert.Equal(t, "1974", date)
}

func TestMapCitationProfilePriority(t *testing.T) {
	// erc labels win over dc, dc over datacite.
	creator, title, publisher, date := MapCitation(map[string]string{
		"erc.who":                  "A",
		"dc.creator":               "B",
		"datacite.creator":         "C",
		"dc.title":                 "T",
		"datacite.publisher":       "P",
		"datacite.publicationyear": "2001",
	})
	assert.Equal(t, "A", creator)
	assert.Equal(t, "T", title)
	assert.Equal(t, "P", publisher)
	assert.Equal(t, "2001", date)
}

func TestMapCitationEmpty(t *testing.T) {
	creator, title, publisher, date := MapCitation(nil)
	assert.Empty(t, creator+title+publisher+date)
}
