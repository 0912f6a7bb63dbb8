package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skybridge-io/skybridge/internal/scrape"
	"github.com/skybridge-io/skybridge/pkg/models"
)

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	AccountRef string `json:"accountRef"`
	SaveAs     string `json:"saveAs"`
}

type favoriteRequest struct {
	City string `json:"city"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.Authenticate{
		Email:      req.Email,
		Password:   req.Password,
		AccountRef: req.AccountRef,
		SaveAs:     req.SaveAs,
	})
	h.writeResult(w, res)
}

// Logout handles POST /v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.Logout{})
	h.writeResult(w, res)
}

// Accounts handles GET /v1/auth/accounts
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	accounts := []models.Account{}
	if h.accounts != nil {
		accounts = h.accounts.Refs()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

// ListFavorites handles GET /v1/favorites
func (h *Handler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.ListFavorites{})
	h.writeResult(w, res)
}

// AddFavorite handles POST /v1/favorites
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.AddFavorite{Subject: req.City})
	h.writeResult(w, res)
}

// RemoveFavorite handles DELETE /v1/favorites/{city}
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	city := vars["city"]

	ctx, cancel := h.opContext(r)
	defer cancel()
	res := h.dispatcher.Dispatch(ctx, SessionID(r), scrape.RemoveFavorite{Subject: city})
	h.writeResult(w, res)
}

// SessionInfo handles GET /v1/session
func (h *Handler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opContext(r)
	defer cancel()

	id := SessionID(r)
	if _, err := h.registry.GetOrCreate(ctx, id); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	info, ok := h.registry.Info(id)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	respondJSON(w, http.StatusOK, info)
}
