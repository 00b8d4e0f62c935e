package pagination

import (
	"net/url"
	"strconv"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a skip/limit window over a newest-first listing.
type Params struct {
	Skip  int
	Limit int
}

// New clamps skip and limit into a usable window.
func New(skip, limit int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if skip < 0 {
		skip = 0
	}
	return Params{Skip: skip, Limit: limit}
}

// Query returns the portal API query parameters for this window.
func (p Params) Query() url.Values {
	v := url.Values{}
	v.Set("skip", strconv.Itoa(p.Skip))
	v.Set("limit", strconv.Itoa(p.Limit))
	return v
}

// Next returns the following window.
func (p Params) Next() Params {
	return Params{Skip: p.Skip + p.Limit, Limit: p.Limit}
}

// HasNext reports whether a page of n results may be followed by more.
func (p Params) HasNext(n int) bool {
	return n >= p.Limit
}
