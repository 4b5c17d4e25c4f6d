package service

import (
	"io"
	"net/http"
	"os"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/node"
	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
	"github.com/sirupsen/logrus"
)

// Sync serves push and sync: the stream in the body is consumed, then the
// answer is pulled for the sender.
func (s *Service) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST expected", http.StatusMethodNotAllowed)
		return
	}
	if err := s.requireMaster("sync"); err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := acceptLength(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tmp, err := node.TmpDir(s.master.Volume())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	cookie := node.CookieFromRequest(r)

	dec, err := packets.NewDecoder(r.Body, packets.DecoderOptions{TmpDir: tmp})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := s.master.Consume(dec, cookie)
	dec.Close()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.respond(w, r, cookie, in.Acks, node.PullOptions{
		To:      in.From,
		Session: in.Session,
		Limit:   limit,
	})
}

// Pull serves what the cookie of the request still asks for.
func (s *Service) Pull(w http.ResponseWriter, r *http.Request) {
	if err := s.requireMaster("pull"); err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := acceptLength(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.respond(w, r, node.CookieFromRequest(r), nil, node.PullOptions{
		To:    r.URL.Query().Get("from"),
		Limit: limit,
	})
}

// respond spools the answer to a temporary file first: the cookie depends on
// how much of the content fits and has to go out before the body.
func (s *Service) respond(w http.ResponseWriter, r *http.Request, cookie *node.Cookie, acks []node.Ack, opts node.PullOptions) {
	tmp, err := node.TmpDir(s.master.Volume())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := os.CreateTemp(tmp, ".response-*")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer os.Remove(f.Name())
	defer f.Close()

	done, err := s.master.Pull(f, cookie, acks, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.fail(w, r, common.NewSyncErr("respond", common.Internal, err))
		return
	}

	if done {
		// acks stay in the conversation cache for forwarding
		cookie.Ack = nil
	}
	cookie.Write(w)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, f)

	entry := s.logger.WithFields(logrus.Fields{
		"to":       opts.To,
		"bytes":    n,
		"complete": done,
	})
	if err != nil {
		entry.WithError(err).Warn("Response interrupted")
		return
	}
	entry.Debug("Responded")
}
