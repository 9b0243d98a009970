package minter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pidserv/pkg/sentinel"
)

// Extended-digit alphabet. Vowels and 'l' are excluded so generated strings
// avoid accidental words and transcription ambiguity.
const xdig = "0123456789bcdfghjkmnpqrstvwxz"

const (
	alphaCount = uint64(len(xdig))
	digitCount = uint64(10)
)

// counterPrime divides the template space into counters. A prime a little
// over 29*10, chosen so the more significant characters of generated strings
// distribute evenly.
const counterPrime = 293

var (
	maskPattern   = regexp.MustCompile(`^[de]+k?$`)
	atLastPattern = regexp.MustCompile(`^add(\d)$`)
	templateSub   = regexp.MustCompile(`\{.*\}`)
)

// Counter is one partition of the template space.
type Counter struct {
	Top   uint64 `json:"top"`
	Value uint64 `json:"value"`
}

// State is the durable per-shoulder minter state. It is stored as a single
// JSON blob keyed by the scheme-less prefix and mutated only under the
// minter's per-prefix lock.
type State struct {
	// Prefix is the scheme-less shoulder, e.g. "99166/" or "10.5072/FK2".
	Prefix string `json:"prefix"`
	// Template is the full format, e.g. "99166/{eedk}".
	Template string `json:"template"`
	// Mask is the generated part of the template: 'e' for an alphabet
	// character, 'd' for a digit, optional trailing 'k' check character.
	Mask string `json:"mask"`
	// AtLast is the exhaustion rule: "addN" repeats the first N mask
	// characters, "stop" makes the minter finite.
	AtLast string `json:"atlast"`

	BaseCount        uint64 `json:"baseCount"`
	CombinedCount    uint64 `json:"combinedCount"`
	MaxCombinedCount uint64 `json:"maxCombinedCount"`
	TotalCount       uint64 `json:"totalCount"`
	MaxPerCounter    uint64 `json:"maxPerCounter"`

	ActiveCounters   []string  `json:"activeCounters"`
	InactiveCounters []string  `json:"inactiveCounters"`
	Counters         []Counter `json:"counters"`

	// Pending holds pre-generated suffixes handed to us for compatibility
	// with an external reference minter. They are consumed before expansion
	// from the counters resumes.
	Pending []string `json:"pending,omitempty"`
}

// NewState initializes an unused minter for the given scheme-less prefix.
func NewState(prefix, mask string) (*State, error) {
	if !maskPattern.MatchString(mask) {
		return nil, fmt.Errorf("minter: invalid mask %q", mask)
	}
	s := &State{
		Prefix:   prefix,
		Template: prefix + "{" + mask + "}",
		Mask:     mask,
		AtLast:   "add0",
	}
	if err := s.extendTemplate(); err != nil {
		return nil, err
	}
	s.AtLast = "add3"
	return s, nil
}

// Mint produces the next suffix and advances the state. The caller must
// persist the state before releasing the suffix (write-ahead).
func (s *State) Mint() (string, error) {
	if len(s.Pending) > 0 {
		suffix := s.Pending[0]
		s.Pending = s.Pending[1:]
		return suffix, nil
	}
	if err := s.check(); err != nil {
		return "", err
	}
	if s.CombinedCount == s.MaxCombinedCount {
		if s.AtLast == "stop" {
			return "", sentinel.ErrExhausted
		}
		if err := s.extendTemplate(); err != nil {
			return "", err
		}
	}
	n := s.nextOrdinal()
	s.CombinedCount++
	suffix := s.expand(n)
	if strings.HasSuffix(s.Mask, "k") {
		suffix += checkChar(s.Prefix + suffix)
	}
	return suffix, nil
}

// nextOrdinal steps the counter machinery and returns the ordinal to expand.
// The active counter is selected by a 48-bit LCG seeded with the combined
// count, matching srand48/drand48 in glibc, so the sequence reproduces the
// reference minter byte for byte.
func (s *State) nextOrdinal() uint64 {
	r := newDrand48(s.CombinedCount)
	idx := int(r.drand() * float64(len(s.ActiveCounters)))
	name := s.ActiveCounters[idx]
	ci, _ := strconv.Atoi(name[1:])
	c := &s.Counters[ci]
	c.Value++
	n := c.Value + uint64(ci)*s.MaxPerCounter
	if c.Value >= c.Top {
		s.ActiveCounters = append(s.ActiveCounters[:idx], s.ActiveCounters[idx+1:]...)
		s.InactiveCounters = append(s.InactiveCounters, name)
	}
	return n
}

// expand converts an ordinal to the generated characters of the suffix,
// least significant mask position first.
func (s *State) expand(n uint64) string {
	out := make([]byte, 0, len(s.Mask))
	for i := len(s.Mask) - 1; i >= 0; i-- {
		var divider uint64
		switch s.Mask[i] {
		case 'k':
			continue
		case 'e':
			divider = alphaCount
		case 'd':
			divider = digitCount
		}
		rem := n % divider
		n /= divider
		out = append(out, xdig[rem])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// checkChar computes the terminal check character over the scheme-less
// identifier (prefix plus generated characters). Characters outside the
// alphabet contribute zero.
func checkChar(id string) string {
	var total uint64
	for i := 0; i < len(id); i++ {
		if v := strings.IndexByte(xdig, id[i]); v >= 0 {
			total += uint64(i+1) * uint64(v)
		}
	}
	return string(xdig[total%alphaCount])
}

// extendTemplate grows the mask by the AtLast rule and rebuilds the counter
// partitions. Called when the current template space is exhausted.
func (s *State) extendTemplate() error {
	if s.CombinedCount != s.MaxCombinedCount || s.CombinedCount != s.TotalCount {
		return fmt.Errorf("minter: attempted to extend a minter that is not exhausted")
	}
	if len(s.ActiveCounters) != 0 {
		return fmt.Errorf("minter: attempted to extend a minter that still has active counters")
	}
	m := atLastPattern.FindStringSubmatch(s.AtLast)
	if m == nil {
		return fmt.Errorf("minter: invalid atlast rule %q", s.AtLast)
	}
	add, _ := strconv.Atoi(m[1])
	if add > len(s.Mask) {
		add = len(s.Mask)
	}
	s.BaseCount += s.CombinedCount
	s.CombinedCount = 0
	s.Mask = s.Mask[:add] + s.Mask
	s.Template = templateSub.ReplaceAllString(s.Template, "{"+s.Mask+"}")

	v := s.maxCount()
	s.TotalCount = v
	s.MaxCombinedCount = v
	s.MaxPerCounter = v/counterPrime + 1

	s.Counters = s.Counters[:0]
	s.ActiveCounters = s.ActiveCounters[:0]
	s.InactiveCounters = nil
	t := v
	for n := 0; t > 0; n++ {
		top := s.MaxPerCounter
		if t < top {
			top = t
		}
		s.Counters = append(s.Counters, Counter{Top: top})
		s.ActiveCounters = append(s.ActiveCounters, "c"+strconv.Itoa(n))
		t -= top
	}
	return nil
}

// maxCount is the number of suffixes the current mask can generate.
func (s *State) maxCount() uint64 {
	v := uint64(1)
	for i := 0; i < len(s.Mask); i++ {
		switch s.Mask[i] {
		case 'e':
			v *= alphaCount
		case 'd':
			v *= digitCount
		}
	}
	return v
}

func (s *State) check() error {
	if !maskPattern.MatchString(s.Mask) {
		return fmt.Errorf("minter: unsupported mask %q", s.Mask)
	}
	if s.AtLast != "stop" && !atLastPattern.MatchString(s.AtLast) {
		return fmt.Errorf("minter: invalid atlast rule %q", s.AtLast)
	}
	if s.CombinedCount > s.MaxCombinedCount {
		return fmt.Errorf("minter: counter sum %d exceeds maximum %d", s.CombinedCount, s.MaxCombinedCount)
	}
	if !strings.Contains(s.Template, "{"+s.Mask+"}") {
		return fmt.Errorf("minter: template %q does not embed mask %q", s.Template, s.Mask)
	}
	return nil
}

// drand48 is the glibc 48-bit linear congruential generator.
type drand48 struct {
	state uint64
}

func newDrand48(seed uint64) *drand48 {
	return &drand48{state: (seed<<16 + 0x330E) & (1<<48 - 1)}
}

func (d *drand48) drand() float64 {
	d.state = (25214903917*d.state + 11) & (1<<48 - 1)
	return float64(d.state) / float64(uint64(1)<<48)
}
