// Package orthanctest provides an in-memory archive speaking the subset of
// the REST API used by package orthanc.
package orthanctest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/reginabarzilaygroup/ark/orthanc"
)

// Server is a fake archive. Fields are guarded by mu; use the methods.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	seq       int64
	changes   []orthanc.ChangeEvent
	resources map[string][]string // "/series/<id>" -> instance ids
	files     map[string][]byte
	created   [][]byte
	deleted   []string

	// FailCreate makes POST /instances answer 500.
	FailCreate bool
	// Down makes every endpoint answer 503.
	Down bool
}

// NewServer starts a fake archive.
func NewServer() *Server {
	s := &Server{resources: map[string][]string{}, files: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// AddInstance stores data under the given series (and its study).
func (s *Server) AddInstance(studyID, seriesID, instanceID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[instanceID] = data
	s.resources["/series/"+seriesID] = append(s.resources["/series/"+seriesID], instanceID)
	s.resources["/studies/"+studyID] = append(s.resources["/studies/"+studyID], instanceID)
}

// AddChange appends an event and returns its sequence number.
func (s *Server) AddChange(changeType, resourceType, id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	path := "/" + strings.ToLower(resourceType)
	if resourceType == "Study" {
		path = "/studies"
	}
	s.changes = append(s.changes, orthanc.ChangeEvent{
		ID:           id,
		ChangeType:   changeType,
		ResourceType: resourceType,
		Path:         path + "/" + id,
		Seq:          s.seq,
	})
	return s.seq
}

// Created returns the bodies POSTed to /instances.
func (s *Server) Created() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.created...)
}

// Deleted returns the deleted instance ids.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// SetFailCreate toggles report upload failures.
func (s *Server) SetFailCreate(v bool) {
	s.mu.Lock()
	s.FailCreate = v
	s.mu.Unlock()
}

// SetDown toggles total unavailability.
func (s *Server) SetDown(v bool) {
	s.mu.Lock()
	s.Down = v
	s.mu.Unlock()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Down {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}

	p := r.URL.Path
	switch {
	case p == "/system":
		writeJSON(w, map[string]string{"Name": "orthanctest", "Version": "1.12"})
	case p == "/changes":
		s.serveChanges(w, r)
	case p == "/instances" && r.Method == http.MethodPost:
		if s.FailCreate {
			http.Error(w, "store failed", http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.created = append(s.created, body)
		writeJSON(w, map[string]string{"ID": "created-" + strconv.Itoa(len(s.created)), "Status": "Success"})
	case strings.HasSuffix(p, "/instances") && r.Method == http.MethodGet:
		ids, ok := s.resources[strings.TrimSuffix(p, "/instances")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		refs := []orthanc.InstanceRef{}
		for _, id := range ids {
			if _, live := s.files[id]; live {
				refs = append(refs, orthanc.InstanceRef{ID: id})
			}
		}
		writeJSON(w, refs)
	case strings.HasPrefix(p, "/instances/") && strings.HasSuffix(p, "/file"):
		id := strings.TrimSuffix(strings.TrimPrefix(p, "/instances/"), "/file")
		data, ok := s.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/dicom")
		_, _ = w.Write(data)
	case strings.HasPrefix(p, "/instances/") && r.Method == http.MethodDelete:
		id := strings.TrimPrefix(p, "/instances/")
		if _, ok := s.files[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.files, id)
		s.deleted = append(s.deleted, id)
		writeJSON(w, map[string]string{})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveChanges(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	page := orthanc.ChangePage{Changes: []orthanc.ChangeEvent{}, Done: true, Last: s.seq}
	events := append([]orthanc.ChangeEvent(nil), s.changes...)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	for _, ev := range events {
		if ev.Seq <= since {
			continue
		}
		if len(page.Changes) == limit {
			page.Done = false
			break
		}
		page.Changes = append(page.Changes, ev)
		page.Last = ev.Seq
	}
	writeJSON(w, page)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
