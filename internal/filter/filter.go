// Package filter implements the advertisement admission chain: an ordered,
// short-circuiting list of predicates over a raw advertisement.
package filter

import (
	"strings"

	"github.com/sterwen-technology/blegw/internal/gatt"
)

// Candidate is the minimal view of an advertisement + device state a Filter
// needs to decide admission.
type Candidate struct {
	MAC            string // lowercase colon-separated
	RSSI           int
	Connectable    bool
	Name           string
	ManufacturerID uint16
	HasMfg         bool
}

// Filter is a single admission predicate.
type Filter interface {
	Accept(c Candidate) bool

	// IsRSSI reports whether this is an RSSI-threshold filter, so the chain
	// can single it out for retroactive re-admission.
	IsRSSI() bool
}

// Chain is an ordered AND of Filters. The zero value is an empty chain that
// accepts everything.
type Chain struct {
	filters []Filter
}

// NewChain builds a Chain from the given filters, in order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Accept reports whether every filter in the chain accepts c, short-circuiting
// on the first rejection.
func (ch *Chain) Accept(c Candidate) bool {
	for _, f := range ch.filters {
		if !f.Accept(c) {
			return false
		}
	}
	return true
}

// RecheckRSSI evaluates a candidate against only the non-RSSI filters; its
// RSSI is not consulted. After Accept rejects a candidate, a true result
// means the rejection came from RSSI filters alone, so the caller can keep
// the candidate pending and admit it once a later frame clears the
// threshold.
func (ch *Chain) RecheckRSSI(c Candidate) bool {
	for _, f := range ch.filters {
		if f.IsRSSI() {
			continue
		}
		if !f.Accept(c) {
			return false
		}
	}
	return true
}

// HasRSSI reports whether the chain contains an RSSI filter.
func (ch *Chain) HasRSSI() bool {
	for _, f := range ch.filters {
		if f.IsRSSI() {
			return true
		}
	}
	return false
}

type baseFilter struct{}

func (baseFilter) IsRSSI() bool { return false }

// RSSIMin admits only candidates whose RSSI is at or above min.
type RSSIMin struct {
	baseFilter
	Min int
}

func (f RSSIMin) Accept(c Candidate) bool { return c.RSSI >= f.Min }
func (f RSSIMin) IsRSSI() bool            { return true }

// Connectable admits only candidates whose connectable flag matches want.
type Connectable struct {
	baseFilter
	Want bool
}

func (f Connectable) Accept(c Candidate) bool { return c.Connectable == f.Want }

// Whitelist admits only candidates whose MAC is in the set. Addresses are
// lowercased at construction.
type Whitelist struct {
	baseFilter
	addrs map[string]struct{}
}

// NewWhitelist builds a Whitelist filter from a list of MAC addresses.
func NewWhitelist(addrs []string) Whitelist {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[strings.ToLower(a)] = struct{}{}
	}
	return Whitelist{addrs: set}
}

func (f Whitelist) Accept(c Candidate) bool {
	_, ok := f.addrs[c.MAC]
	return ok
}

// NamePrefix admits only candidates whose local name starts with Prefix.
type NamePrefix struct {
	baseFilter
	Prefix string
}

func (f NamePrefix) Accept(c Candidate) bool { return strings.HasPrefix(c.Name, f.Prefix) }

// MfgIDEq admits only candidates advertising the given manufacturer ID.
type MfgIDEq struct {
	baseFilter
	ID uint16
}

func (f MfgIDEq) Accept(c Candidate) bool { return c.HasMfg && c.ManufacturerID == f.ID }

// CandidateFromAdvertisement builds a Candidate from a parsed advertisement
// and the device's known MAC/running-max RSSI, for use by Scanner/DeviceRegistry.
func CandidateFromAdvertisement(mac string, rssi int, a *gatt.Advertisement) Candidate {
	c := Candidate{MAC: strings.ToLower(mac), RSSI: rssi, Name: a.LocalName}
	if a.HasManufacturer {
		c.HasMfg = true
		c.ManufacturerID = a.ManufacturerID
	}
	return c
}
