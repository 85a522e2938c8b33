// Package pattern expands range expressions such as "CH1-CH4, EVAL2-EVAL3"
// into the ordered channel and calculation indices a logger records.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrEmptyPattern = errors.New("pattern string is empty")
	ErrNoPattern    = errors.New("no channel pattern found")

	// ErrRangeTooLarge is returned when a pattern expands past the resolver's limit.
	ErrRangeTooLarge = errors.New("pattern range too large")
)

// DefaultMaxRefs caps how many indices one pattern may expand to.
const DefaultMaxRefs = 10000

// Default prefixes for the physical-channel and calculation namespaces.
var (
	DefaultChannelRE     = regexp.MustCompile(`CH+(?:([0-9]+))`)
	DefaultCalculationRE = regexp.MustCompile(`EVAL+(?:([0-9]+))`)
)

// RefKind is the namespace of a resolved index.
type RefKind int

const (
	RefChannel RefKind = iota
	RefCalculation
)

func (k RefKind) String() string {
	if k == RefCalculation {
		return "calculation"
	}
	return "channel"
}

// Ref is one resolved index.
type Ref struct {
	Kind  RefKind
	Index int
}

// Selection splits refs by namespace, preserving order and duplicates.
type Selection struct {
	Channels     []int
	Calculations []int
}

// Len is the number of refs in the selection.
func (s Selection) Len() int { return len(s.Channels) + len(s.Calculations) }

// Resolver matches each namespace with its own expression. The first
// capture group must hold the index digits.
type Resolver struct {
	channel *regexp.Regexp
	calc    *regexp.Regexp
	maxRefs int
}

// NewResolver builds a resolver; nil expressions fall back to the defaults.
func NewResolver(channel, calc *regexp.Regexp) *Resolver {
	if channel == nil {
		channel = DefaultChannelRE
	}
	if calc == nil {
		calc = DefaultCalculationRE
	}
	return &Resolver{channel: channel, calc: calc, maxRefs: DefaultMaxRefs}
}

// WithMaxRefs sets the expansion limit; n <= 0 restores DefaultMaxRefs.
func (r *Resolver) WithMaxRefs(n int) *Resolver {
	if n <= 0 {
		n = DefaultMaxRefs
	}
	r.maxRefs = n
	return r
}

var defaultResolver = NewResolver(nil, nil)

// Resolve expands pattern with the default prefixes.
func Resolve(pattern string) ([]Ref, error) { return defaultResolver.Resolve(pattern) }

// Select resolves pattern with the default prefixes into a Selection.
func Select(pattern string) (Selection, error) { return defaultResolver.Select(pattern) }

// Summary returns the text shown next to a pattern field: the channel count
// on success, otherwise the resolution error.
func Summary(pattern string) string { return defaultResolver.Summary(pattern) }

// Resolve returns every physical-channel index followed by every calculation
// index. Each namespace is matched independently over all ranges. Ranges that
// do not resolve in a namespace, or run backwards, contribute nothing.
func (r *Resolver) Resolve(pattern string) ([]Ref, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	ranges := strings.Split(pattern, ",")
	var refs []Ref
	for _, ns := range []struct {
		kind RefKind
		re   *regexp.Regexp
	}{{RefChannel, r.channel}, {RefCalculation, r.calc}} {
		for _, rng := range ranges {
			begin, end, ok := bounds(rng, ns.re)
			if !ok {
				continue
			}
			// both bounds are non-negative, so end-begin cannot overflow
			if end-begin >= r.maxRefs-len(refs) {
				return nil, fmt.Errorf("%w: %q expands past %d indices", ErrRangeTooLarge, strings.TrimSpace(rng), r.maxRefs)
			}
			for i := begin; i <= end; i++ {
				refs = append(refs, Ref{Kind: ns.kind, Index: i})
			}
		}
	}
	if len(refs) == 0 {
		return nil, ErrNoPattern
	}
	return refs, nil
}

// Select is Resolve split by namespace.
func (r *Resolver) Select(pattern string) (Selection, error) {
	refs, err := r.Resolve(pattern)
	if err != nil {
		return Selection{}, err
	}
	var s Selection
	for _, ref := range refs {
		switch ref.Kind {
		case RefChannel:
			s.Channels = append(s.Channels, ref.Index)
		case RefCalculation:
			s.Calculations = append(s.Calculations, ref.Index)
		}
	}
	return s, nil
}

func (r *Resolver) Summary(pattern string) string {
	refs, err := r.Resolve(pattern)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("%d channels will be logged.", len(refs))
}

func bounds(rng string, re *regexp.Regexp) (begin, end int, ok bool) {
	sides := strings.Split(rng, "-")
	if len(sides) != 2 {
		return 0, 0, false
	}
	if strings.TrimSpace(sides[0]) == "" || strings.TrimSpace(sides[1]) == "" {
		return 0, 0, false
	}
	b, okB := lastIndex(sides[0], re)
	e, okE := lastIndex(sides[1], re)
	if !okB || !okE || b > e {
		return 0, 0, false
	}
	return b, e, true
}

// lastIndex returns the number captured by the last match in side.
func lastIndex(side string, re *regexp.Regexp) (int, bool) {
	idx, found := 0, false
	for _, m := range re.FindAllStringSubmatch(side, -1) {
		if len(m) < 2 {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 {
			idx, found = n, true
		}
	}
	return idx, found
}
