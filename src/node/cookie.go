package node

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

// Cookie names and lifetime.
const (
	CookieName   = "sugar_network_node"
	CookieUnset  = "unset_sugar_network_node"
	CookieMaxAge = 3600
)

// AckPair ties the ranges a peer pushed to the local seqnos they were stored
// under. It travels as [pushed, acked].
type AckPair struct {
	Pushed ranges.Ranges
	Acked  ranges.Ranges
}

// MarshalJSON ...
func (p AckPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]ranges.Ranges{p.Pushed, p.Acked})
}

// UnmarshalJSON ...
func (p *AckPair) UnmarshalJSON(data []byte) error {
	var pair [2]ranges.Ranges
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Pushed, p.Acked = pair[0], pair[1]
	return nil
}

// Request asks the master to forward to From the ack it gave Origin for
// Ranges.
type Request struct {
	Origin string        `json:"origin"`
	Ranges ranges.Ranges `json:"ranges"`
	From   string        `json:"from,omitempty"`
}

// Cookie is the state of a conversation with a master, carried by the peer
// between requests.
type Cookie struct {
	ID      string               `json:"id,omitempty"`
	Pull    ranges.Ranges        `json:"pull"`
	Ack     map[string][]AckPair `json:"ack,omitempty"`
	Request []Request            `json:"request,omitempty"`
}

// NewCookie ...
func NewCookie() *Cookie {
	return &Cookie{
		Pull: ranges.Ranges{},
		Ack:  make(map[string][]AckPair),
	}
}

// ParseCookie decodes a cookie value. Empty and unset values give an empty
// cookie.
func ParseCookie(value string) (*Cookie, error) {
	c := NewCookie()
	if value == "" || value == CookieUnset {
		return c, nil
	}
	data, err := base64.URLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding cookie: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding cookie: %w", err)
	}
	if c.Pull == nil {
		c.Pull = ranges.Ranges{}
	}
	if c.Ack == nil {
		c.Ack = make(map[string][]AckPair)
	}
	return c, nil
}

// CookieFromRequest returns the cookie of r, or an empty one when it has
// none or it cannot be decoded.
func CookieFromRequest(r *http.Request) *Cookie {
	hc, err := r.Cookie(CookieName)
	if err != nil {
		return NewCookie()
	}
	c, err := ParseCookie(hc.Value)
	if err != nil {
		return NewCookie()
	}
	return c
}

// Encode ...
func (c *Cookie) Encode() string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// Empty reports whether the cookie carries nothing worth keeping.
func (c *Cookie) Empty() bool {
	return c.Pull.Empty() && len(c.Ack) == 0 && len(c.Request) == 0
}

// AddAck records that origin pushed pushed, stored here as acked.
func (c *Cookie) AddAck(origin string, pushed, acked ranges.Ranges) {
	for _, p := range c.Ack[origin] {
		if p.Pushed.Equal(pushed) && p.Acked.Equal(acked) {
			return
		}
	}
	c.Ack[origin] = append(c.Ack[origin], AckPair{pushed.Clone(), acked.Clone()})
}

// Merge folds the state of o into c.
func (c *Cookie) Merge(o *Cookie) {
	if o == nil {
		return
	}
	c.Pull.IncludeRanges(o.Pull)
	for origin, pairs := range o.Ack {
		for _, p := range pairs {
			c.AddAck(origin, p.Pushed, p.Acked)
		}
	}
	for _, req := range o.Request {
		c.AddRequest(req)
	}
}

// AddRequest queues req unless an identical one is queued.
func (c *Cookie) AddRequest(req Request) {
	for _, r := range c.Request {
		if r.Origin == req.Origin && r.From == req.From && r.Ranges.Equal(req.Ranges) {
			return
		}
	}
	c.Request = append(c.Request, req)
}

// Clone ...
func (c *Cookie) Clone() *Cookie {
	res := NewCookie()
	res.ID = c.ID
	res.Merge(c)
	return res
}

// Acked is the union of the ranges acked to origin.
func (c *Cookie) Acked(origin string) ranges.Ranges {
	res := ranges.Ranges{}
	for _, p := range c.Ack[origin] {
		res.IncludeRanges(p.Acked)
	}
	return res
}

// Exclude returns the seqnos acked to every origin of the conversation:
// content the peers already have.
func (c *Cookie) Exclude() ranges.Ranges {
	var res ranges.Ranges
	first := true
	for origin := range c.Ack {
		acked := c.Acked(origin)
		if first {
			res = acked
			first = false
			continue
		}
		res = ranges.Intersect(res, acked)
	}
	if res == nil {
		return ranges.Ranges{}
	}
	return res
}

// Write sets the cookie on w, or clears it when the conversation is over.
func (c *Cookie) Write(w http.ResponseWriter) {
	value := CookieUnset
	maxAge := -1
	if !c.Empty() {
		value = c.Encode()
		maxAge = CookieMaxAge
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
	})
}
