package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/transam/sogr/internal/events"
	"github.com/transam/sogr/internal/model"
)

const maxBodyBytes = 1 << 20

// eventBody is the JSON form of an event request. Dates are YYYY-MM-DD or
// RFC 3339.
type eventBody struct {
	Kind      model.EventKind    `json:"kind"`
	EventDate string             `json:"event_date"`
	Comments  string             `json:"comments"`
	Payload   model.EventPayload `json:"payload"`
}

func (b eventBody) request(createdBy string) (events.Request, error) {
	req := events.Request{
		Kind:      b.Kind,
		Comments:  b.Comments,
		CreatedBy: createdBy,
		Payload:   b.Payload,
	}
	if b.EventDate == "" {
		return req, eris.New("event_date is required")
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, b.EventDate); err == nil {
			req.EventDate = t
			return req, nil
		}
	}
	return req, eris.Errorf("invalid event_date %q", b.EventDate)
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (events.Request, bool) {
	var body eventBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return events.Request{}, false
	}
	req, err := body.request(userFrom(r.Context()).Username)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r, false)
	if !ok {
		return
	}
	var filter model.EventFilter
	for _, raw := range r.URL.Query()["kind"] {
		for _, name := range strings.Split(raw, ",") {
			kind, err := model.ParseEventKind(strings.TrimSpace(name))
			if err != nil {
				writeMessage(w, http.StatusBadRequest, "unknown event kind "+name)
				return
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	list, err := s.events.History(r.Context(), a.ObjectKey, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.AssetEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r, true)
	if !ok {
		return
	}
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev, err := s.events.Create(r.Context(), a.ObjectKey, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) updateEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r, true)
	if !ok {
		return
	}
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev, err := s.events.Update(r.Context(), a.ObjectKey, chi.URLParam(r, "eventKey"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r, true)
	if !ok {
		return
	}
	if err := s.events.Delete(r.Context(), a.ObjectKey, chi.URLParam(r, "eventKey")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
