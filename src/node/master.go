package node

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
	"github.com/sirupsen/logrus"
)

// Master is the authoritative node. It keeps no state about its peers
// besides a short-lived cache of conversations; everything else travels in
// their cookies.
type Master struct {
	state
	counters

	guid   string
	volume *db.Volume

	// conversations maps cookie ids to the last state of the conversation.
	conversations *common.LRU

	logger *logrus.Entry
}

// Incoming is what Consume learnt from a peer.
type Incoming struct {
	From    string
	Session string

	// Acks answer the pushes of the peer.
	Acks []Ack
}

// PullOptions ...
type PullOptions struct {
	To      string
	Session string

	// Limit is the accept_length of the peer. Zero means no limit.
	Limit int64
	Gzip  bool
}

// NewMaster ...
func NewMaster(guid string, volume *db.Volume, cacheSize int, logger *logrus.Entry) *Master {
	return &Master{
		guid:          guid,
		volume:        volume,
		conversations: common.NewLRU(cacheSize, nil),
		logger:        logger.WithField("guid", guid),
	}
}

// GUID ...
func (m *Master) GUID() string {
	return m.guid
}

// Volume ...
func (m *Master) Volume() *db.Volume {
	return m.volume
}

// GetStats ...
func (m *Master) GetStats() map[string]string {
	res := m.stats(m.getState(), m.guid, m.volume)
	res["mode"] = "master"
	res["conversations"] = fmt.Sprint(m.conversations.Len())
	return res
}

// Consume applies what a peer sent: pushes are stored under fresh local
// seqnos and acked, pulls and requests are queued in the cookie.
func (m *Master) Consume(dec *packets.Decoder, cookie *Cookie) (*Incoming, error) {
	from, err := checkHeader(dec.Header(), m.guid)
	if err != nil {
		return nil, err
	}
	in := &Incoming{From: from, Session: dec.Header().Str("session")}
	logger := m.logger.WithField("from", from)

	for {
		seg, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return in, err
		}

		switch seg.Kind {
		case packets.Push:
			res, err := m.volume.Patch(seg, db.PatchOptions{Shift: true})
			m.applied(res)
			if err != nil {
				return in, err
			}
			if res.Commit.Empty() {
				continue
			}
			cookie.AddAck(from, res.Commit, res.Applied)
			in.Acks = append(in.Acks, Ack{To: from, Ack: res.Applied, Ranges: res.Commit})
			logger.WithFields(logrus.Fields{
				"pushed": res.Commit,
				"acked":  res.Applied,
			}).Debug("Push applied")

		case packets.Pull:
			r, err := seg.Props.Ranges("ranges")
			if err != nil {
				return in, common.NewSyncErr("pull", common.BadRequest, err)
			}
			cookie.Pull.IncludeRanges(r)

		case packets.Request:
			var req Request
			if err := seg.Props.Decode(&req); err != nil || req.Origin == "" {
				logger.WithField("request", seg.Props).Warn("Ignoring malformed request")
				continue
			}
			req.From = from
			cookie.AddRequest(req)

		default:
			logger.WithField("segment", seg.Kind).Debug("Ignoring segment")
		}
	}

	return in, nil
}

// Pull writes the answer of a conversation to w: acks for what the peer
// pushed, acks forwarded on behalf of other peers, then the content the peer
// still pulls minus what it is known to have. It reports whether the content
// went out entirely; otherwise cookie.Pull holds what is left.
func (m *Master) Pull(w io.Writer, cookie *Cookie, acks []Ack, opts PullOptions) (bool, error) {
	if cookie.ID == "" {
		cookie.ID = uuid.NewString()
	} else if cached, ok := m.conversations.Get(cookie.ID); ok {
		cookie.Merge(cached.(*Cookie))
	}

	exclude := cookie.Exclude()
	forwarded, pending := m.forward(cookie, opts.To)
	for _, a := range forwarded {
		exclude.IncludeRanges(a.Ack)
	}
	cookie.Request = pending

	enc, err := packets.NewEncoder(w, header(m.guid, opts.To, opts.Session),
		packets.EncoderOptions{Gzip: opts.Gzip, Limit: opts.Limit})
	if err != nil {
		return false, err
	}
	for _, a := range append(acks, forwarded...) {
		if err := enc.Segment(packets.Ack, a.record()); err != nil {
			return false, err
		}
	}

	done := true
	if !cookie.Pull.Empty() {
		diff, err := m.volume.Diff(cookie.Pull, exclude)
		if err != nil {
			return false, err
		}
		if err := enc.Segment(packets.Push, nil); err != nil {
			return false, err
		}
		limited, err := enc.Produce(diff)
		if err != nil {
			return false, err
		}
		covered := diff.Covered()
		cookie.Pull = ranges.Subtract(cookie.Pull, covered)
		done = !limited

		m.logger.WithFields(logrus.Fields{
			"to":       opts.To,
			"covered":  covered,
			"exclude":  exclude,
			"complete": done,
		}).Debug("Pull served")
	}
	if err := enc.Close(true); err != nil {
		return false, err
	}

	if done {
		cookie.Pull = ranges.Ranges{}
	}
	m.conversations.Add(cookie.ID, cookie.Clone())
	return done, nil
}

// forward answers the requests queued in cookie with the acks this master
// gave their origin, looking at the cookie and every cached conversation.
// Requests nobody can answer yet stay pending.
func (m *Master) forward(cookie *Cookie, to string) (forwarded []Ack, pending []Request) {
	for _, req := range cookie.Request {
		pairs := append([]AckPair(nil), cookie.Ack[req.Origin]...)
		for _, v := range m.conversations.Values() {
			pairs = append(pairs, v.(*Cookie).Ack[req.Origin]...)
		}

		recipient := req.From
		if recipient == "" {
			recipient = to
		}
		matched := false
		for _, p := range pairs {
			if ranges.Intersect(p.Pushed, req.Ranges).Empty() {
				continue
			}
			matched = true
			a := Ack{To: recipient, Origin: req.Origin, Ack: p.Acked, Ranges: p.Pushed}
			if !containsAck(forwarded, a) {
				forwarded = append(forwarded, a)
			}
		}
		if !matched {
			pending = append(pending, req)
		}
	}
	return forwarded, pending
}

func containsAck(acks []Ack, a Ack) bool {
	for _, x := range acks {
		if x.To == a.To && x.Origin == a.Origin && x.Ack.Equal(a.Ack) && x.Ranges.Equal(a.Ranges) {
			return true
		}
	}
	return false
}

// Import consumes the parcels of dir sent to this master and writes a
// response parcel for each of them. Parcels written by the master, or
// addressed to another node, are left alone. It returns the paths of the
// responses.
func (m *Master) Import(dir string, limit int64) ([]string, error) {
	if !m.enter(Importing) {
		return nil, common.Errorf("import", common.Conflict, "master is %s", m.getState())
	}
	defer m.leave(Importing)

	tmp, err := TmpDir(m.volume)
	if err != nil {
		return nil, err
	}
	paths, err := listParcels(dir)
	if err != nil {
		return nil, err
	}

	var responses []string
	for _, path := range paths {
		res, err := m.importParcel(dir, path, tmp, limit)
		m.round(err)
		if err != nil {
			m.logger.WithError(err).WithField("parcel", path).Warn("Cannot import parcel")
			continue
		}
		if res != "" {
			responses = append(responses, res)
		}
	}
	m.waitRoutines()
	return responses, m.volume.Commit()
}

func (m *Master) importParcel(dir, path, tmp string, limit int64) (string, error) {
	p, err := openParcel(path, tmp)
	if err != nil {
		return "", err
	}
	h := p.header()
	if h.Str("from") == m.guid || (h.Str("to") != "" && h.Str("to") != m.guid) {
		p.Close()
		return "", nil
	}

	cookie := NewCookie()
	in, err := m.Consume(p.dec, cookie)
	p.Close()
	if err != nil {
		return "", err
	}

	m.logger.WithFields(logrus.Fields{
		"parcel": path,
		"from":   in.From,
		"pull":   cookie.Pull,
	}).Info("Parcel imported")

	res, err := writeParcel(dir, uuid.NewString(), func(w io.Writer) error {
		_, err := m.Pull(w, cookie, in.Acks, PullOptions{
			To:      in.From,
			Session: in.Session,
			Limit:   limit,
			Gzip:    true,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	prune := func() { m.pruneResponses(dir, in.From, res) }
	if !m.goFunc(prune) {
		prune()
	}
	return res, nil
}

// pruneResponses deletes the responses to peer older than keep.
func (m *Master) pruneResponses(dir, peer, keep string) {
	paths, err := listParcels(dir)
	if err != nil {
		return
	}
	for _, path := range paths {
		if path == keep {
			continue
		}
		h, err := parcelHeader(path)
		if err != nil {
			continue
		}
		if h.Str("from") == m.guid && h.Str("to") == peer {
			m.logger.WithField("parcel", path).Debug("Removing outdated response")
			os.Remove(path)
		}
	}
}
