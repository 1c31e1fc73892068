package zone

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound indicates the requested zone does not exist.
var ErrNotFound = errors.New("zone not found")

// Address is the subset of a postal address used for zone matching.
type Address struct {
	ID         string `json:"id,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	// Country is an ISO 3166-1 alpha-2 code.
	Country string `json:"country"`
	// State is the administrative subdivision code within Country.
	State string `json:"state,omitempty"`
}

// State identifies an administrative subdivision of a country.
type State struct {
	Country string `json:"country"`
	Code    string `json:"code"`
}

// Zone is a named set of countries and/or states. A zone with both lists
// populated matches an address that is a member of either.
type Zone struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Countries []string `json:"countries,omitempty"`
	States    []State  `json:"states,omitempty"`
}

// Source lists zones for the pipeline.
type Source interface {
	ListZones(ctx context.Context) ([]Zone, error)
}

// Matcher decides whether an address belongs to a zone.
type Matcher interface {
	AddressMatchesZone(addr Address, z Zone) bool
}

// MembershipMatcher is the default whole-zone membership matcher.
type MembershipMatcher struct{}

// AddressMatchesZone implements Matcher.
func (MembershipMatcher) AddressMatchesZone(addr Address, z Zone) bool {
	return Matches(addr, z)
}

// Matches reports whether the address country or country/state pair is a
// member of the zone. Partial matches (state without country) never match.
func Matches(addr Address, z Zone) bool {
	country := normalize(addr.Country)
	if country == "" {
		return false
	}
	for _, c := range z.Countries {
		if normalize(c) == country {
			return true
		}
	}
	state := normalize(addr.State)
	if state == "" {
		return false
	}
	for _, s := range z.States {
		if normalize(s.Country) == country && normalize(s.Code) == state {
			return true
		}
	}
	return false
}

// Index maps zones by id.
func Index(zones []Zone) map[int64]Zone {
	out := make(map[int64]Zone, len(zones))
	for _, z := range zones {
		out[z.ID] = z
	}
	return out
}

func normalize(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
