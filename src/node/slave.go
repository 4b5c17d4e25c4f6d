package node

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
	"github.com/sirupsen/logrus"
)

// SlaveOptions ...
type SlaveOptions struct {
	// GUID overrides the persisted guid of the slave.
	GUID string

	// MasterURL enables online syncs.
	MasterURL string

	// AcceptLength is the byte limit asked of the master per round.
	AcceptLength int64

	Timeout time.Duration
}

// Slave is a node replicating a master. It tracks which of its seqnos still
// have to reach the master, and which seqnos of the master it still misses.
// Its state lives under var/ of the volume.
type Slave struct {
	state
	counters

	guid         string
	volume       *db.Volume
	dir          string
	client       *Client
	acceptLength int64

	mu         sync.Mutex
	push       ranges.Ranges
	pull       ranges.Ranges
	session    string
	acks       []Ack
	requests   []Request
	cookie     string
	masterGUID string

	logger *logrus.Entry
}

// NewSlave restores the slave state stored in the volume, creating it on
// first start.
func NewSlave(volume *db.Volume, opts SlaveOptions, logger *logrus.Entry) (*Slave, error) {
	s := &Slave{
		volume:       volume,
		dir:          filepath.Join(volume.Root(), "var"),
		acceptLength: opts.AcceptLength,
		push:         ranges.Full(),
		pull:         ranges.Full(),
	}

	if err := s.load("guid", &s.guid); err != nil {
		return nil, err
	}
	if opts.GUID != "" && opts.GUID != s.guid {
		s.guid = opts.GUID
		if err := s.store("guid", s.guid); err != nil {
			return nil, err
		}
	}
	if s.guid == "" {
		s.guid = uuid.NewString()
		if err := s.store("guid", s.guid); err != nil {
			return nil, err
		}
	}

	for name, v := range map[string]interface{}{
		"push":     &s.push,
		"pull":     &s.pull,
		"session":  &s.session,
		"acks":     &s.acks,
		"requests": &s.requests,
	} {
		if err := s.load(name, v); err != nil {
			return nil, err
		}
	}

	if opts.MasterURL != "" {
		client, err := NewClient(opts.MasterURL, opts.Timeout)
		if err != nil {
			return nil, err
		}
		s.client = client
		s.masterGUID = client.GUID()
	}

	s.logger = logger.WithField("guid", s.guid)
	s.logger.WithFields(logrus.Fields{
		"push": s.push,
		"pull": s.pull,
	}).Debug("Slave started")

	return s, nil
}

// GUID ...
func (s *Slave) GUID() string {
	return s.guid
}

// Volume ...
func (s *Slave) Volume() *db.Volume {
	return s.volume
}

// PushRanges are the local seqnos the master has not acked yet.
func (s *Slave) PushRanges() ranges.Ranges {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push.Clone()
}

// PullRanges are the seqnos of the master not received yet.
func (s *Slave) PullRanges() ranges.Ranges {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pull.Clone()
}

// Acks returns the acks waiting to be forwarded to other slaves.
func (s *Slave) Acks() []Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Ack(nil), s.acks...)
}

// GetStats ...
func (s *Slave) GetStats() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.stats(s.getState(), s.guid, s.volume)
	res["mode"] = "slave"
	res["master"] = s.masterGUID
	res["push"] = s.push.String()
	res["pull"] = s.pull.String()
	return res
}

// Request asks the master to forward the ack it gave origin for r, so that
// this slave can carry it to origin.
func (s *Slave) Request(origin string, r ranges.Ranges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.Origin == origin && req.Ranges.Equal(r) {
			return nil
		}
	}
	s.requests = append(s.requests, Request{Origin: origin, Ranges: r.Clone()})
	return s.store("requests", s.requests)
}

// Sync runs one online round-trip with the master.
func (s *Slave) Sync(ctx context.Context) error {
	if s.client == nil {
		return common.Errorf("sync", common.BadRequest, "no master configured")
	}
	if !s.enter(Syncing) {
		return common.Errorf("sync", common.Conflict, "slave is %s", s.getState())
	}
	defer s.leave(Syncing)

	err := s.sync(ctx)
	s.round(err)
	return err
}

func (s *Slave) sync(ctx context.Context) error {
	tmp, err := TmpDir(s.volume)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cookie := s.cookie
	s.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.encode(pw, s.client.GUID(), "", 0, false, false))
	}()

	body, next, err := s.client.Sync(ctx, pr, cookie, s.acceptLength)
	pr.Close()
	if err != nil {
		return err
	}
	defer body.Close()

	dec, err := packets.NewDecoder(body, packets.DecoderOptions{TmpDir: tmp})
	if err != nil {
		return err
	}
	defer dec.Close()

	if _, err := checkHeader(dec.Header(), s.guid); err != nil {
		return err
	}
	if err := s.consume(dec, true); err != nil {
		return err
	}

	s.mu.Lock()
	s.cookie = next
	s.mu.Unlock()

	return s.commit()
}

// Run syncs every interval until ctx is done.
func (s *Slave) Run(ctx context.Context, interval time.Duration) error {
	if s.client == nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Sync failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Export writes the parcel of this slave to dir, replacing the previous one,
// and starts a new session.
func (s *Slave) Export(dir string, limit int64) (string, error) {
	if !s.enter(Exporting) {
		return "", common.Errorf("export", common.Conflict, "slave is %s", s.getState())
	}
	defer s.leave(Exporting)
	return s.export(dir, limit)
}

func (s *Slave) export(dir string, limit int64) (string, error) {
	session := uuid.NewString()

	s.mu.Lock()
	to := s.masterGUID
	s.mu.Unlock()

	path, err := writeParcel(dir, s.guid, func(w io.Writer) error {
		return s.encode(w, to, session, limit, true, true)
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.session = session
	// forwarded acks are delivered by the parcel; a lost one only costs
	// the origin a resend
	s.acks = nil
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"parcel":  path,
		"session": session,
	}).Info("Parcel exported")

	return path, s.commit()
}

// Import consumes the parcels of dir, then writes a fresh parcel of this
// slave. Parcels this slave wrote in an older session are deleted.
func (s *Slave) Import(dir string, limit int64) (string, error) {
	if !s.enter(Importing) {
		return "", common.Errorf("import", common.Conflict, "slave is %s", s.getState())
	}
	defer s.leave(Importing)

	tmp, err := TmpDir(s.volume)
	if err != nil {
		return "", err
	}
	paths, err := listParcels(dir)
	if err != nil {
		return "", err
	}
	for _, path := range paths {
		err := s.importParcel(path, tmp)
		s.round(err)
		if err != nil {
			s.logger.WithError(err).WithField("parcel", path).Warn("Cannot import parcel")
		}
	}
	if err := s.commit(); err != nil {
		return "", err
	}
	return s.export(dir, limit)
}

func (s *Slave) importParcel(path, tmp string) error {
	p, err := openParcel(path, tmp)
	if err != nil {
		return err
	}
	defer p.Close()

	h := p.header()
	if h.Str("from") == s.guid {
		s.mu.Lock()
		current := s.session
		s.mu.Unlock()
		if h.Str("session") != current {
			s.logger.WithField("parcel", path).Debug("Removing outdated parcel")
			return os.Remove(path)
		}
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"parcel": path,
		"from":   h.Str("from"),
		"to":     h.Str("to"),
	}).Debug("Importing parcel")

	return s.consume(p.dec, false)
}

// encode writes the outgoing stream of this slave: forwarded acks when
// asked, requests, the push of its own content, and its pull.
func (s *Slave) encode(w io.Writer, to, session string, limit int64, gz, withAcks bool) error {
	s.mu.Lock()
	push := s.push.Clone()
	pull := s.pull.Clone()
	requests := append([]Request(nil), s.requests...)
	var acks []Ack
	if withAcks {
		acks = append(acks, s.acks...)
	}
	s.mu.Unlock()

	enc, err := packets.NewEncoder(w, header(s.guid, to, session),
		packets.EncoderOptions{Gzip: gz, Limit: limit})
	if err != nil {
		return err
	}
	for _, a := range acks {
		if err := enc.Segment(packets.Ack, a.record()); err != nil {
			return err
		}
	}
	for _, req := range requests {
		if err := enc.Segment(packets.Request, packets.Record{"origin": req.Origin, "ranges": req.Ranges}); err != nil {
			return err
		}
	}

	diff, err := s.volume.Diff(push, nil)
	if err != nil {
		return err
	}
	if err := enc.Segment(packets.Push, nil); err != nil {
		return err
	}
	if _, err := enc.Produce(diff); err != nil {
		return err
	}

	if err := enc.Segment(packets.Pull, packets.Record{"ranges": pull}); err != nil {
		return err
	}
	return enc.Close(true)
}

// consume applies a stream coming from the master, or found in a parcel.
// Pushes the master addressed to another slave are left for it. Pushes
// another slave addressed to the master are applied too, and this slave
// requests the ack of them to carry it back to their origin.
func (s *Slave) consume(dec *packets.Decoder, online bool) error {
	h := dec.Header()
	from, to := h.Str("from"), h.Str("to")

	s.mu.Lock()
	if online || (to == s.guid && s.masterGUID == "") {
		s.masterGUID = from
	}
	master := s.masterGUID
	s.mu.Unlock()

	fromPeer := from != master && (to == "" || to == master)

	for {
		seg, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch seg.Kind {
		case packets.Ack:
			a, err := ackFromSegment(seg)
			if err != nil {
				return err
			}
			s.handleAck(a)

		case packets.Push:
			if to != s.guid && !fromPeer {
				continue
			}
			res, err := s.volume.Patch(seg, db.PatchOptions{Shift: false})
			s.applied(res)
			if err != nil {
				return err
			}
			if to == s.guid {
				s.mu.Lock()
				s.pull.ExcludeRanges(res.Commit)
				s.mu.Unlock()
				continue
			}
			if !res.Commit.Empty() && !s.carries(from, res.Commit) {
				if err := s.Request(from, res.Commit); err != nil {
					return err
				}
			}
		}
	}
}

// carries reports whether an ack for r is already waiting to reach origin.
func (s *Slave) carries(origin string, r ranges.Ranges) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.acks {
		if a.To == origin && !ranges.Intersect(a.Ranges, r).Empty() {
			return true
		}
	}
	return false
}

// handleAck narrows the ranges of this slave by an ack meant for it, or
// keeps an ack meant for another slave so that the next parcel carries it.
func (s *Slave) handleAck(a Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.To != s.guid {
		return
	}
	if a.Origin == "" || a.Origin == s.guid {
		s.push.ExcludeRanges(a.Ranges)
		s.pull.ExcludeRanges(a.Ack)
		s.logger.WithFields(logrus.Fields{
			"ranges": a.Ranges,
			"ack":    a.Ack,
		}).Debug("Push acked")
		return
	}

	fwd := Ack{To: a.Origin, Ack: a.Ack, Ranges: a.Ranges}
	if !containsAck(s.acks, fwd) {
		s.acks = append(s.acks, fwd)
	}
	var pending []Request
	for _, req := range s.requests {
		if req.Origin == a.Origin && !ranges.Intersect(req.Ranges, a.Ranges).Empty() {
			continue
		}
		pending = append(pending, req)
	}
	s.requests = pending
}

// commit persists the ranges and the counters.
func (s *Slave) commit() error {
	s.mu.Lock()
	files := map[string]interface{}{
		"push":     s.push,
		"pull":     s.pull,
		"session":  s.session,
		"acks":     s.acks,
		"requests": s.requests,
	}
	for name, v := range files {
		if err := s.store(name, v); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	return s.volume.Commit()
}

func (s *Slave) load(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Slave) store(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}
