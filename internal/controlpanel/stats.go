package controlpanel

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (s *Site) getStats() (*route, error) {
	r := &route{
		path:    "/stats",
		methods: []string{"GET"},
	}

	r.h = func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) error {
		return s.writeJSON(w, http.StatusOK, s.stats.Stats())
	}

	return r, nil
}
