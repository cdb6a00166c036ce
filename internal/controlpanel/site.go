package controlpanel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jawr/mxdrop/internal/index"
	"github.com/jawr/mxdrop/internal/metrics"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

// StatsSource reports the live session counters.
type StatsSource interface {
	Stats() metrics.Snapshot
}

// Lister returns the recorded deliveries for a recipient.
type Lister interface {
	List(recipient string) ([]index.Entry, error)
}

// Site is the read only admin API.
type Site struct {
	stats StatsSource
	// nil when the index is disabled
	mailboxes Lister

	router     *httprouter.Router
	bufferPool sync.Pool
}

func NewSite(stats StatsSource, mailboxes Lister) (*Site, error) {
	s := &Site{
		stats:     stats,
		mailboxes: mailboxes,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}

	if err := s.setupRoutes(); err != nil {
		return nil, errors.WithMessage(err, "setupRoutes")
	}

	return s, nil
}

func (s *Site) Handler() http.Handler { return s.router }

// Run serves the API on addr until ctx is done.
func (s *Site) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Admin listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.WithMessage(err, "ListenAndServe")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WithMessage(err, "Shutdown")
	}

	return nil
}

func (s *Site) writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	buf := s.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return errors.WithMessage(err, "Encode")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

type Error struct {
	StatusCode int    `json:"status"`
	Message    string `json:"message"`
}

func (s *Site) handleError(w http.ResponseWriter, r *route, err error) {
	id, uerr := uuid.NewRandom()
	if uerr != nil {
		log.Printf("%v %s ERROR: %s (%s)", r.methods, r.path, uerr, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Printf("%v %s ERROR: %s (%s)", r.methods, r.path, err, id)

	d := Error{
		StatusCode: http.StatusInternalServerError,
		Message:    fmt.Sprintf("Internal Server Error (%s)", id),
	}

	if err := s.writeJSON(w, d.StatusCode, d); err != nil {
		log.Printf("%v %s ERROR: %s (%s)", r.methods, r.path, err, id)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Site) notFound(w http.ResponseWriter, r *route) {
	d := Error{
		StatusCode: http.StatusNotFound,
		Message:    "Not Found",
	}
	if err := s.writeJSON(w, d.StatusCode, d); err != nil {
		log.Printf("%v %s ERROR: %s", r.methods, r.path, err)
	}
}
