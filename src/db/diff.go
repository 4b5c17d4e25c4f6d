package db

import (
	"io"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
	"github.com/sirupsen/logrus"
)

// diffStep is one seqno of the volume, pointing either at a record or at a
// blob.
type diffStep struct {
	seqno    int64
	resource string
	guid     string
	blob     *blobs.Blob
}

// Diff is a packets.Producer yielding the volume content whose seqnos are in
// a set of ranges: {"resource"} switches, {"guid", "patch"} records and
// blobs, in seqno order, closed by one {"commit"} record telling what the
// receiver may consider delivered.
type Diff struct {
	volume *Volume

	requested ranges.Ranges
	include   ranges.Ranges

	steps []diffStep
	pos   int

	sent     map[string]bool
	resource string

	pending   *diffStep
	confirmed int64
	finalized bool
	trailed   bool

	logger *logrus.Entry
}

// Diff prepares a Diff over r minus exclude. r is clipped to the last stored
// seqno first, so content written while the Diff is prepared or read is left
// for the next one. Excluded seqnos are still reported as covered by the
// commit.
func (v *Volume) Diff(r, exclude ranges.Ranges) (*Diff, error) {
	requested := r.Clone().Clip(v.Seqno.Stored())
	include := ranges.Subtract(requested, exclude)

	d := &Diff{
		volume:    v,
		requested: requested,
		include:   include,
		sent:      make(map[string]bool),
		logger:    v.logger.WithField("op", "diff"),
	}

	for _, rng := range include {
		entries, err := v.Index.Seqnos(rng.Lo(), rng.Hi())
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			d.steps = append(d.steps, diffStep{seqno: e.Seqno, resource: e.Resource, guid: e.GUID})
		}
	}

	bs, err := v.Blobs.Diff(include, "")
	if err != nil {
		return nil, err
	}
	d.steps = mergeSteps(d.steps, bs)

	d.logger.WithFields(logrus.Fields{
		"include": include,
		"steps":   len(d.steps),
	}).Debug("Diff prepared")

	return d, nil
}

// mergeSteps interleaves the blobs, already in seqno order, with the record
// steps.
func mergeSteps(recs []diffStep, bs []*blobs.Blob) []diffStep {
	res := make([]diffStep, 0, len(recs)+len(bs))
	i, j := 0, 0
	for i < len(recs) || j < len(bs) {
		if j == len(bs) || (i < len(recs) && recs[i].seqno <= bs[j].Seqno()) {
			res = append(res, recs[i])
			i++
			continue
		}
		res = append(res, diffStep{seqno: bs[j].Seqno(), blob: bs[j]})
		j++
	}
	return res
}

// Next implements packets.Producer. Asking for the next item confirms the
// previous one was sent.
func (d *Diff) Next() (packets.Item, error) {
	if d.pending != nil && !d.finalized {
		d.confirm(d.pending.seqno)
	}
	d.pending = nil

	for !d.finalized && d.pos < len(d.steps) {
		step := &d.steps[d.pos]

		if step.blob != nil {
			d.pos++
			d.pending = step
			return packets.Item{Blob: step.blob}, nil
		}

		key := step.resource + "/" + step.guid
		if d.sent[key] {
			d.pos++
			d.confirm(step.seqno)
			continue
		}

		if step.resource != d.resource {
			// the switch is emitted before the record and goes out once
			d.resource = step.resource
			return packets.Item{Record: packets.Record{"resource": step.resource}}, nil
		}

		d.pos++
		patch, err := d.patch(step)
		if err != nil {
			return packets.Item{}, err
		}
		d.sent[key] = true
		if len(patch) == 0 {
			d.confirm(step.seqno)
			continue
		}
		d.pending = step
		return packets.Item{Record: packets.Record{"guid": step.guid, "patch": patch}}, nil
	}

	if d.trailed {
		return packets.Item{}, io.EOF
	}
	d.trailed = true
	return packets.Item{Record: packets.Record{"commit": d.Covered()}}, nil
}

// Finalize implements packets.Producer: the pending item was not sent and
// nothing else will be.
func (d *Diff) Finalize() {
	d.finalized = true
	d.pending = nil
}

// Covered is the part of the requested ranges the receiver got, as far as is
// known now.
func (d *Diff) Covered() ranges.Ranges {
	if !d.finalized && d.pos >= len(d.steps) && d.pending == nil {
		return d.requested.Clone()
	}
	if d.confirmed == 0 {
		return ranges.Ranges{}
	}
	return ranges.Intersect(d.requested, ranges.New(1, d.confirmed))
}

// Exhausted reports whether everything was yielded.
func (d *Diff) Exhausted() bool {
	return !d.finalized && d.pos >= len(d.steps)
}

func (d *Diff) confirm(seqno int64) {
	if seqno > d.confirmed {
		d.confirmed = seqno
	}
}

// patch loads the record of step and keeps the properties worth sending.
func (d *Diff) patch(step *diffStep) (map[string]*PropMeta, error) {
	dir, err := d.volume.Directory(step.resource)
	if err != nil {
		d.logger.WithField("resource", step.resource).Warn("Skipping unknown resource")
		return nil, nil
	}
	rec, err := dir.Load(step.guid)
	if common.IsKind(err, common.NotFound) {
		d.logger.WithField("guid", step.guid).Warn("Index points to a missing record")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	patch := rec.Patch(func(seqno int64) bool {
		return seqno > 0 && d.include.Contains(seqno)
	})
	for name := range patch {
		if p, ok := dir.Resource().Prop(name); ok && p.ACL&ACLLocal != 0 {
			delete(patch, name)
		}
	}
	return patch, nil
}
