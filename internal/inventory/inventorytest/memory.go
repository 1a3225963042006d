// Package inventorytest provides an in-memory inventory service for tests.
package inventorytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/metabinary-ltd/wipesentinel/internal/inventory"
)

// Store is an in-memory inventory. It implements inventory.Service and can
// be served over HTTP with Handler.
type Store struct {
	mu    sync.Mutex
	next  int
	items map[string]*inventory.Item

	// Fail makes every call return this error when set.
	Fail error

	Calls map[string]int
}

func NewStore() *Store {
	return &Store{items: map[string]*inventory.Item{}, Calls: map[string]int{}}
}

// Put inserts an item directly, bypassing call accounting.
func (s *Store) Put(features inventory.Features, location string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(features, location)
}

func (s *Store) add(features inventory.Features, location string) string {
	s.next++
	code := fmt.Sprintf("H%d", s.next)
	// round-trip through JSON so stored values look like decoded wire data
	s.items[code] = &inventory.Item{Code: code, Features: decoded(features), Location: location}
	return code
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) Item(code string) (*inventory.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[code]
	return it, ok
}

func (s *Store) Count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[call]
}

func (s *Store) enter(call string) error {
	s.Calls[call]++
	return s.Fail
}

func (s *Store) CodesByFeature(_ context.Context, feature, value string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CodesByFeature"); err != nil {
		return nil, err
	}
	var codes []string
	for code, it := range s.items {
		if fmt.Sprint(it.Features[feature]) == value {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func (s *Store) GetItem(_ context.Context, code string) (*inventory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetItem"); err != nil {
		return nil, err
	}
	it, ok := s.items[code]
	if !ok {
		return nil, &inventory.ValidationError{Status: http.StatusNotFound, Message: "no such item " + code}
	}
	cp := *it
	cp.Features = decoded(it.Features)
	return &cp, nil
}

func (s *Store) AddItem(_ context.Context, features inventory.Features, location string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AddItem"); err != nil {
		return "", err
	}
	return s.add(features, location), nil
}

func (s *Store) UpdateFeatures(_ context.Context, code string, features inventory.Features) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateFeatures"); err != nil {
		return err
	}
	it, ok := s.items[code]
	if !ok {
		return &inventory.ValidationError{Status: http.StatusNotFound, Message: "no such item " + code}
	}
	for k, v := range decoded(features) {
		it.Features[k] = v
	}
	return nil
}

func (s *Store) RemoveItem(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("RemoveItem"); err != nil {
		return err
	}
	if _, ok := s.items[code]; !ok {
		return &inventory.ValidationError{Status: http.StatusNotFound, Message: "no such item " + code}
	}
	delete(s.items, code)
	return nil
}

func decoded(f inventory.Features) inventory.Features {
	b, _ := json.Marshal(f)
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	out := inventory.Features{}
	_ = dec.Decode(&out)
	return out
}

// Handler serves the store over the inventory REST API.
func (s *Store) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v2/features/{feature}/{value}", func(w http.ResponseWriter, r *http.Request) {
		codes, err := s.CodesByFeature(r.Context(), r.PathValue("feature"), r.PathValue("value"))
		if err != nil {
			writeErr(w, err)
			return
		}
		if codes == nil {
			codes = []string{}
		}
		writeJSON(w, http.StatusOK, codes)
	})
	mux.HandleFunc("GET /v2/items/{code}", func(w http.ResponseWriter, r *http.Request) {
		it, err := s.GetItem(r.Context(), r.PathValue("code"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	})
	mux.HandleFunc("POST /v2/items", func(w http.ResponseWriter, r *http.Request) {
		var in inventory.Item
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		code, err := s.AddItem(r.Context(), in.Features, in.Location)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"code": code})
	})
	mux.HandleFunc("PATCH /v2/items/{code}/features", func(w http.ResponseWriter, r *http.Request) {
		var in inventory.Features
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if err := s.UpdateFeatures(r.Context(), r.PathValue("code"), in); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /v2/items/{code}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.RemoveItem(r.Context(), r.PathValue("code")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if verr, ok := err.(*inventory.ValidationError); ok {
		status = verr.Status
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
