package message

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Reserved attribute keys carried in the prop field.
const (
	DelayKey = "_delay"
	TagKey   = "_tag"
)

const (
	pairSep = ";"
	kvSep   = "-"
)

// ErrInvalidAttribute is returned when a prop string or an Attributes value
// cannot be represented.
var ErrInvalidAttribute = errors.New("message: invalid attribute")

// Attributes is the structured form of a message's prop string.
//
// On the wire it is a list of key-value pairs joined by ";", each pair split
// on its first "-", keys sorted: "_delay-10;_tag-orders;region-eu".
// The legacy single-pair form "_delay-10" parses unchanged.
type Attributes struct {
	// Delay is how long after storage the message becomes due. Whole seconds.
	Delay time.Duration
	// Tag overrides the topic as the routing key for subscribers.
	Tag string
	// Extra holds producer-defined pairs.
	Extra map[string]string
}

// ParseAttributes parses a prop string.
func ParseAttributes(prop string) (Attributes, error) {
	var a Attributes
	for _, pair := range strings.Split(prop, pairSep) {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, kvSep)
		if !ok || k == "" {
			return Attributes{}, fmt.Errorf("%w: pair %q has no key-value separator", ErrInvalidAttribute, pair)
		}
		switch k {
		case DelayKey:
			secs, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return Attributes{}, fmt.Errorf("%w: delay %q: %v", ErrInvalidAttribute, v, err)
			}
			a.Delay = time.Duration(secs) * time.Second
		case TagKey:
			if v == "" {
				return Attributes{}, fmt.Errorf("%w: empty tag", ErrInvalidAttribute)
			}
			a.Tag = v
		default:
			if a.Extra == nil {
				a.Extra = make(map[string]string)
			}
			a.Extra[k] = v
		}
	}
	return a, nil
}

// Validate reports whether a can be encoded without loss.
func (a Attributes) Validate() error {
	if a.Delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidAttribute, a.Delay)
	}
	if a.Delay%time.Second != 0 {
		return fmt.Errorf("%w: delay %s is not whole seconds", ErrInvalidAttribute, a.Delay)
	}
	if a.Delay/time.Second > math.MaxUint32 {
		return fmt.Errorf("%w: delay %s overflows", ErrInvalidAttribute, a.Delay)
	}
	if strings.Contains(a.Tag, pairSep) {
		return fmt.Errorf("%w: tag %q contains %q", ErrInvalidAttribute, a.Tag, pairSep)
	}
	for k, v := range a.Extra {
		if k == "" || k == DelayKey || k == TagKey || strings.ContainsAny(k, pairSep+kvSep) {
			return fmt.Errorf("%w: key %q", ErrInvalidAttribute, k)
		}
		if strings.Contains(v, pairSep) {
			return fmt.Errorf("%w: value %q for key %q contains %q", ErrInvalidAttribute, v, k, pairSep)
		}
	}
	return nil
}

// DelaySeconds returns the delay in the unit stored in index records.
func (a Attributes) DelaySeconds() uint32 {
	return uint32(a.Delay / time.Second)
}

// String encodes a as a prop string with sorted keys. A zero delay and an
// empty tag are omitted.
func (a Attributes) String() string {
	pairs := make(map[string]string, len(a.Extra)+2)
	for k, v := range a.Extra {
		pairs[k] = v
	}
	if a.Delay > 0 {
		pairs[DelayKey] = strconv.FormatUint(uint64(a.DelaySeconds()), 10)
	}
	if a.Tag != "" {
		pairs[TagKey] = a.Tag
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(pairSep)
		}
		b.WriteString(k)
		b.WriteString(kvSep)
		b.WriteString(pairs[k])
	}
	return b.String()
}

// RoutingKey returns the string subscribers are keyed on: the tag attribute
// when present, the topic otherwise.
func RoutingKey(topic string, a Attributes) string {
	if a.Tag != "" {
		return a.Tag
	}
	return topic
}

// TagHash hashes a routing key. xxhash64 is seedless, so the value is stable
// across restarts and builds.
func TagHash(key string) uint64 {
	return xxhash.Sum64String(key)
}
