package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/config"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/events"
	"github.com/pombredanne/sugar-network-backend-sub001/src/node"
	"github.com/sirupsen/logrus"
)

// LoginHeader carries the guid of the principal behind a request.
const LoginHeader = "X-SN-login"

// Node is what the service needs from a master or a slave.
type Node interface {
	GUID() string
	Volume() *db.Volume
	GetStats() map[string]string
}

// Service exposes a node over HTTP.
type Service struct {
	bindAddress string

	node    Node
	master  *node.Master
	spooler *events.Spooler
	auth    *config.Authorization

	mux    *http.ServeMux
	logger *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n Node, spooler *events.Spooler, auth *config.Authorization, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		spooler:     spooler,
		auth:        auth,
		mux:         http.NewServeMux(),
		logger:      logger,
	}
	if m, ok := n.(*node.Master); ok {
		service.master = m
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the ServeMux of the
// service. Every command goes through "/" and is picked by the cmd query
// parameter; blobs are served under /blobs/.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Sugar Network API handlers")
	s.mux.HandleFunc("/", s.makeHandler(s.dispatch))
	s.mux.Handle("/blobs/", gziphandler.GzipHandler(s.makeHandler(s.GetBlob)))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler ...
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve listens on the bind address until ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.WithField("bind_address", s.bindAddress).Info("Serving Sugar Network API")

	srv := &http.Server{
		Addr:    s.bindAddress,
		Handler: s.mux,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("Shutting down API")
		}
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		<-done
		return nil
	}
	return err
}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	cmd := r.URL.Query().Get("cmd")
	switch cmd {
	case "", "stats":
		s.GetStats(w, r)
	case "push", "sync":
		s.Sync(w, r)
	case "pull":
		s.Pull(w, r)
	case "apply":
		s.Apply(w, r)
	case "subscribe":
		s.Subscribe(w, r)
	default:
		s.fail(w, r, common.Errorf("dispatch", common.BadRequest, "unknown command %q", cmd))
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetBlob serves the body of a blob. Tombstones answer 410 and external
// blobs redirect to their location.
func (s *Service) GetBlob(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/blobs/"):]

	blob, err := s.node.Volume().Blobs.Get(key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if blob.Gone() {
		http.Error(w, "blob is gone", http.StatusGone)
		return
	}
	if loc := blob.Location(); loc != "" {
		http.Redirect(w, r, loc, http.StatusFound)
		return
	}

	body, err := blob.Open()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", blob.MimeType())
	w.Header().Set("X-SN-Seqno", strconv.FormatInt(blob.Seqno(), 10))
	if _, err := io.Copy(w, body); err != nil {
		s.logger.WithError(err).WithField("blob", key).Debug("Blob download interrupted")
	}
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := common.HTTPStatus(err)
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"url":    r.URL.String(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	http.Error(w, err.Error(), status)
}

func (s *Service) requireMaster(op string) error {
	if s.master == nil {
		return common.Errorf(op, common.BadRequest, "%s is not a master", s.node.GUID())
	}
	return nil
}

func acceptLength(r *http.Request) (int64, error) {
	value := r.URL.Query().Get("accept_length")
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, common.Errorf("accept_length", common.BadRequest, "invalid accept_length %q", value)
	}
	return n, nil
}
