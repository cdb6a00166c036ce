package controlpanel

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

type handle func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) error

type route struct {
	path    string
	methods []string
	h       handle
}

func (r route) String() string { return fmt.Sprintf("%v %s", r.methods, r.path) }

type routeFn func() (*route, error)

func (s *Site) setupRoutes() error {
	s.router = httprouter.New()

	return s.addRoutes(
		s.getStats,
		s.getMailbox,
	)
}

func (s *Site) addRoutes(routes ...routeFn) error {
	for idx := range routes {
		r, err := routes[idx]()
		if err != nil {
			return errors.WithMessagef(err, "route %d", idx)
		}

		for _, method := range r.methods {
			switch method {
			case "GET":
				s.router.GET(r.path, s.wrap(r))
			}
		}
	}

	return nil
}

// wrap turns a route's error into a logged 500
func (s *Site) wrap(r *route) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if err := r.h(w, req, ps); err != nil {
			s.handleError(w, r, err)
		}
	}
}
