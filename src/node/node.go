package node

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

// Ack says that To's Ranges were stored by the sender under its seqnos Ack.
// Origin is set on acks forwarded on behalf of another peer.
type Ack struct {
	To     string        `json:"to"`
	Origin string        `json:"origin,omitempty"`
	Ack    ranges.Ranges `json:"ack"`
	Ranges ranges.Ranges `json:"ranges"`
}

func (a Ack) record() packets.Record {
	rec := packets.Record{
		"to":     a.To,
		"ack":    a.Ack,
		"ranges": a.Ranges,
	}
	if a.Origin != "" {
		rec["origin"] = a.Origin
	}
	return rec
}

func ackFromSegment(seg *packets.Segment) (Ack, error) {
	var a Ack
	if err := seg.Props.Decode(&a); err != nil {
		return a, common.NewSyncErr("ack", common.Protocol, err)
	}
	if a.Ack == nil {
		a.Ack = ranges.Ranges{}
	}
	if a.Ranges == nil {
		a.Ranges = ranges.Ranges{}
	}
	return a, nil
}

// checkHeader returns the sender of a stream, which must be addressed to
// self, or to nobody in particular.
func checkHeader(header packets.Record, self string) (string, error) {
	from := header.Str("from")
	if from == "" {
		return "", common.Errorf("header", common.BadRequest, "no sender")
	}
	if to := header.Str("to"); to != "" && to != self {
		return "", common.Errorf("header", common.BadRequest, "stream for %s reached %s", to, self)
	}
	return from, nil
}

// header builds the first record of an outgoing stream.
func header(from, to, session string) packets.Record {
	h := packets.Record{"from": from}
	if to != "" {
		h["to"] = to
	}
	if session != "" {
		h["session"] = session
	}
	return h
}

// TmpDir is where incoming blob bodies are spooled, on the volume's device
// so that placing them is a rename.
func TmpDir(volume *db.Volume) (string, error) {
	dir := filepath.Join(volume.Root(), "var", "tmp")
	return dir, os.MkdirAll(dir, 0755)
}

type counters struct {
	rounds  int64
	errors  int64
	records int64
	blobs   int64
}

func (c *counters) round(err error) {
	atomic.AddInt64(&c.rounds, 1)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
	}
}

func (c *counters) applied(res *db.PatchResult) {
	if res == nil {
		return
	}
	atomic.AddInt64(&c.records, int64(res.Records))
	atomic.AddInt64(&c.blobs, int64(res.Blobs))
}

func (c *counters) stats(s State, guid string, volume *db.Volume) map[string]string {
	return map[string]string{
		"guid":            guid,
		"state":           s.String(),
		"seqno":           strconv.FormatInt(volume.Seqno.Value(), 10),
		"releases_seqno":  strconv.FormatInt(volume.ReleasesSeqno.Value(), 10),
		"resources":       strings.Join(volume.Resources(), ","),
		"rounds":          strconv.FormatInt(atomic.LoadInt64(&c.rounds), 10),
		"errors":          strconv.FormatInt(atomic.LoadInt64(&c.errors), 10),
		"applied_records": strconv.FormatInt(atomic.LoadInt64(&c.records), 10),
		"applied_blobs":   strconv.FormatInt(atomic.LoadInt64(&c.blobs), 10),
	}
}
