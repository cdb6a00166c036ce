package controlpanel

import (
	"net/http"

	"github.com/jawr/mxdrop/internal/index"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

func (s *Site) getMailbox() (*route, error) {
	r := &route{
		path:    "/mailboxes/:recipient",
		methods: []string{"GET"},
	}

	type data struct {
		Recipient  string        `json:"recipient"`
		Deliveries []index.Entry `json:"deliveries"`
	}

	r.h = func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) error {
		if s.mailboxes == nil {
			s.notFound(w, r)
			return nil
		}

		d := data{
			Recipient:  ps.ByName("recipient"),
			Deliveries: []index.Entry{},
		}

		entries, err := s.mailboxes.List(d.Recipient)
		if err != nil {
			return errors.WithMessagef(err, "List '%s'", d.Recipient)
		}
		d.Deliveries = append(d.Deliveries, entries...)

		return s.writeJSON(w, http.StatusOK, d)
	}

	return r, nil
}
