package service

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/config"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/sirupsen/logrus"
)

// Change is one line of an apply request. A change with Delete set deletes
// the record, one with Aggregate appends Value to that aggregated property.
// Anything else creates the record, or updates it when it exists.
type Change struct {
	Resource  string                 `json:"resource"`
	GUID      string                 `json:"guid,omitempty"`
	Props     map[string]interface{} `json:"props,omitempty"`
	Delete    bool                   `json:"delete,omitempty"`
	Aggregate string                 `json:"aggregate,omitempty"`
	Value     interface{}            `json:"value,omitempty"`
}

// Applied answers one Change.
type Applied struct {
	GUID string `json:"guid"`

	// Entry is the id of an aggregated entry.
	Entry string `json:"entry,omitempty"`
}

// Apply applies newline-delimited changes as local writes made by the
// principal of the request. It stops at the first failing change; the ones
// before it stay applied.
func (s *Service) Apply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST expected", http.StatusMethodNotAllowed)
		return
	}

	principal := r.Header.Get(LoginHeader)
	logger := s.logger.WithField("principal", principal)

	var res []Applied
	dec := json.NewDecoder(r.Body)
	for {
		var change Change
		err := dec.Decode(&change)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.fail(w, r, common.NewSyncErr("apply", common.BadRequest, err))
			return
		}

		applied, err := s.apply(principal, &change)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		logger.WithFields(logrus.Fields{
			"resource": change.Resource,
			"guid":     applied.GUID,
		}).Debug("Change applied")
		res = append(res, applied)
	}

	if err := s.node.Volume().Commit(); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (s *Service) apply(principal string, change *Change) (Applied, error) {
	dir, err := s.node.Volume().Directory(change.Resource)
	if err != nil {
		return Applied{}, err
	}

	switch {
	case change.Delete:
		if !s.auth.Has(principal, config.RoleAdmin) && !s.auth.Has(principal, config.RoleModerator) {
			return Applied{}, common.Errorf("apply", common.BadRequest, "%q may not delete", principal)
		}
		return Applied{GUID: change.GUID}, dir.Delete(change.GUID)

	case change.Aggregate != "":
		id, err := dir.Aggregate(change.GUID, change.Aggregate, change.Value, principal)
		return Applied{GUID: change.GUID, Entry: id}, err

	case change.GUID != "" && dir.Exists(change.GUID):
		return Applied{GUID: change.GUID}, dir.Update(change.GUID, change.Props)

	default:
		props := make(map[string]interface{}, len(change.Props)+1)
		for k, v := range change.Props {
			props[k] = v
		}
		if change.GUID != "" {
			props[db.PropGUID] = change.GUID
		}
		guid, err := dir.Create(props)
		return Applied{GUID: guid}, err
	}
}
