package handlers

import (
	"net/http"
	"time"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListKeys(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	// Hashes stay server-side.
	for i := range keys {
		keys[i].Hash = ""
	}
	render.JSON(w, http.StatusOK, keys)
}

// LookupKeys lists id, name, and prefix only, for console pickers.
func (h *Handlers) LookupKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListKeys(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	type entry struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Prefix string `json:"prefix"`
	}
	out := make([]entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, entry{ID: k.ID, Name: k.Name, Prefix: k.Prefix})
	}
	render.JSON(w, http.StatusOK, out)
}

// createKeyResponse is the only place a raw token ever appears.
type createKeyResponse struct {
	Key   *models.ApiKey `json:"key"`
	Token string         `json:"token"`
}

func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		UserID    int64      `json:"user_id"`
		OrgID     int64      `json:"org_id"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	if in.Name == "" {
		render.Error(w, r, apierror.Validation(map[string]string{"name": "is required"}))
		return
	}
	raw, key, err := auth.Mint(in.Name, in.Scopes, in.UserID, in.OrgID, in.ExpiresAt)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := h.Store.CreateKey(r.Context(), key); err != nil {
		render.Error(w, r, err)
		return
	}
	out := *key
	out.Hash = ""
	render.JSON(w, http.StatusCreated, createKeyResponse{Key: &out, Token: raw})
}

func (h *Handlers) GetKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	key, err := h.Store.GetKey(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	key.Hash = ""
	render.JSON(w, http.StatusOK, key)
}

// UpdateKey patches mutable key attributes: name, scopes, disabled flag,
// expiry. The token itself is immutable.
func (h *Handlers) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	var in struct {
		Name      *string    `json:"name"`
		Scopes    *[]string  `json:"scopes"`
		Disabled  *bool      `json:"disabled"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	key, err := h.Store.GetKey(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if in.Name != nil {
		key.Name = *in.Name
	}
	if in.Scopes != nil {
		key.Scopes = *in.Scopes
	}
	if in.Disabled != nil {
		key.Disabled = *in.Disabled
	}
	if in.ExpiresAt != nil {
		key.ExpiresAt = in.ExpiresAt
	}
	if err := h.Store.UpdateKey(r.Context(), key); err != nil {
		render.Error(w, r, err)
		return
	}
	key.Hash = ""
	render.JSON(w, http.StatusOK, key)
}

func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := h.Store.DeleteKey(r.Context(), id); err != nil {
		render.Error(w, r, err)
		return
	}
	ok(w)
}
