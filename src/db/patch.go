package db

import (
	"io"
	"os"

	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
	"github.com/sirupsen/logrus"
)

// PatchOptions ...
type PatchOptions struct {
	// Shift gives applied changes fresh local seqnos so they travel further.
	// Without it they are stored with seqno 0.
	Shift bool
}

// PatchResult sums up what Volume.Patch applied.
type PatchResult struct {
	// Commit is the union of the commit records of the segment.
	Commit ranges.Ranges

	// Applied holds the local seqnos the changes were stored under.
	Applied ranges.Ranges

	Records int
	Blobs   int
	Skipped int
}

type patchItem struct {
	GUID  string               `json:"guid"`
	Patch map[string]*PropMeta `json:"patch"`
}

// Patch applies the content of a segment produced by Volume.Diff. A record
// or blob that cannot be applied is logged and skipped. Stream errors abort.
func (v *Volume) Patch(seg *packets.Segment, opts PatchOptions) (*PatchResult, error) {
	res := &PatchResult{Commit: ranges.Ranges{}, Applied: ranges.Ranges{}}
	var dir *Directory

	for {
		item, err := seg.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}

		if item.Blob != nil {
			blob, written, err := v.Blobs.Patch(item.Blob, opts.Shift)
			switch {
			case err != nil:
				v.logger.WithError(err).WithField("blob", item.Blob.Key).Warn("Cannot apply blob")
				res.Skipped++
			case written:
				res.Blobs++
				if seqno := blob.Seqno(); seqno > 0 {
					res.Applied.Include(seqno, seqno)
				}
			}
			if item.Blob.Path != "" {
				os.Remove(item.Blob.Path)
			}
			continue
		}

		rec, _ := item.Record.(packets.Record)

		if name := rec.Str("resource"); name != "" {
			if dir, err = v.Directory(name); err != nil {
				v.logger.WithField("resource", name).Warn("Skipping records of unknown resource")
			}
			continue
		}

		if _, ok := rec["commit"]; ok {
			commit, err := rec.Ranges("commit")
			if err != nil {
				v.logger.WithError(err).Warn("Malformed commit")
				continue
			}
			res.Commit.IncludeRanges(commit)
			continue
		}

		if _, ok := rec["guid"]; !ok {
			v.logger.WithField("record", rec).Debug("Ignoring record")
			continue
		}
		if dir == nil {
			res.Skipped++
			continue
		}

		var in patchItem
		if err := rec.Decode(&in); err != nil {
			v.logger.WithError(err).Warn("Malformed record")
			res.Skipped++
			continue
		}
		seqno, err := dir.Patch(in.GUID, in.Patch, opts.Shift)
		if err != nil {
			v.logger.WithError(err).WithFields(logrus.Fields{
				"resource": dir.resource.Name,
				"guid":     in.GUID,
			}).Warn("Cannot apply record")
			res.Skipped++
			continue
		}
		res.Records++
		if seqno > 0 {
			res.Applied.Include(seqno, seqno)
		}
	}

	if opts.Shift {
		if err := v.Seqno.Commit(); err != nil {
			return res, err
		}
	}

	v.logger.WithFields(logrus.Fields{
		"records": res.Records,
		"blobs":   res.Blobs,
		"skipped": res.Skipped,
		"commit":  res.Commit,
	}).Debug("Patch applied")

	return res, nil
}
