package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/ledger"
)

// LedgerAPI provides read-only access to the audit ledger
type LedgerAPI struct {
	store *ledger.Store
}

// NewLedgerAPI creates a new ledger API
func NewLedgerAPI(store *ledger.Store) *LedgerAPI {
	return &LedgerAPI{store: store}
}

// RegisterRoutes registers ledger routes (all read-only)
func (api *LedgerAPI) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", api.handleListEntries)                        // GET /v1/ledger
		r.Get("/summary", api.handleGetSummary)                  // GET /v1/ledger/summary
		r.Get("/verify", api.handleVerifyChain)                  // GET /v1/ledger/verify
		r.Get("/entry/{id}", api.handleGetEntry)                 // GET /v1/ledger/entry/{id}
		r.Get("/entity/{type}/{id}", api.handleGetEntityHistory) // GET /v1/ledger/entity/{type}/{id}
	})
}

// handleListEntries returns ledger entries with optional filtering
// GET /v1/ledger?action=&actor=&entity_type=&entity_id=&since=&until=&limit=&offset=
func (api *LedgerAPI) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	opts := ledger.QueryOptions{
		Action:     query.Get("action"),
		Actor:      query.Get("actor"),
		EntityType: query.Get("entity_type"),
		EntityID:   query.Get("entity_id"),
		Limit:      100,
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := query.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid "+p.name+": want RFC3339")
			return
		}
		*p.dst = t
	}

	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			opts.Limit = l
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			opts.Offset = o
		}
	}

	entries, err := api.store.Query(opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	count, _ := api.store.Count()

	respondJSON(w, http.StatusOK, map[string]any{
		"entries":       entries,
		"count":         len(entries),
		"total_entries": count,
		"limit":         opts.Limit,
		"offset":        opts.Offset,
	})
}

// handleGetSummary returns ledger statistics
// GET /v1/ledger/summary
func (api *LedgerAPI) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := api.store.GetSummary()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleVerifyChain verifies the integrity of the ledger chain.
// A broken chain is reported with 409 so monitors can alert on status alone.
// GET /v1/ledger/verify
func (api *LedgerAPI) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	err := api.store.VerifyChain()

	result := map[string]any{
		"chain_valid": err == nil,
		"verified_at": time.Now().UTC(),
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		result["error"] = err.Error()
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			status = http.StatusConflict
			result["error_type"] = chainErr.Type
			result["entry_num"] = chainErr.EntryNum
			result["entry_id"] = chainErr.EntryID
		}
	}

	count, _ := api.store.Count()
	result["total_entries"] = count

	respondJSON(w, status, result)
}

// handleGetEntry returns a single ledger entry by ID
// GET /v1/ledger/entry/{id}
func (api *LedgerAPI) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := api.store.GetByID(chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleGetEntityHistory returns all ledger entries for a specific entity
// GET /v1/ledger/entity/{type}/{id}
func (api *LedgerAPI) handleGetEntityHistory(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	entityID := chi.URLParam(r, "id")

	entries, err := api.store.GetEntityHistory(entityType, entityID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"entries":     entries,
		"count":       len(entries),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
