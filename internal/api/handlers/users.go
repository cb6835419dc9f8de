package handlers

import (
	"net/http"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/sessions"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// ── auth ────────────────────────────────────────────────────

// Login exchanges an admin-scoped API key for a session cookie. There are
// no passwords: the bootstrap admin key is minted at install time and
// every admin key can open a console session.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	id, err := h.Keys.VerifyToken(r.Context(), in.Token)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := auth.RequireScope(id, "admin"); err != nil {
		render.Error(w, r, err)
		return
	}
	if id.UserID == 0 {
		render.Error(w, r, apierror.New(apierror.AuthInvalid, "key is not bound to a user"))
		return
	}
	user, err := h.Store.GetUser(r.Context(), id.UserID)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if user.Disabled {
		render.Error(w, r, apierror.New(apierror.AuthInvalid, "user is disabled"))
		return
	}
	sess := h.Sessions.Create(r.Context(), user)
	http.SetCookie(w, &http.Cookie{
		Name:     sessions.CookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	render.JSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"expires_at": sess.ExpiresAt,
	})
}

// Logout ends the caller's session. Safe to call without one.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessions.CookieName); err == nil {
		h.Sessions.Delete(r.Context(), c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessions.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	ok(w)
}

// Me returns the authenticated session's user.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	id, found := auth.FromContext(r.Context())
	if !found {
		render.Error(w, r, apierror.New(apierror.AuthMissing, "no session"))
		return
	}
	user, err := h.Store.GetUser(r.Context(), id.UserID)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, user)
}

// ── users ───────────────────────────────────────────────────

func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, users)
}

// LookupUsers is the light list the console uses to fill pickers:
// id, name, email only.
func (h *Handlers) LookupUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	type entry struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	out := make([]entry, 0, len(users))
	for _, u := range users {
		out = append(out, entry{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	render.JSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
		OrgID int64  `json:"org_id"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	fields := map[string]string{}
	if in.Email == "" {
		fields["email"] = "is required"
	}
	if in.Role != "admin" && in.Role != "member" {
		fields["role"] = "must be admin or member"
	}
	if len(fields) > 0 {
		render.Error(w, r, apierror.Validation(fields))
		return
	}
	u := &models.User{Email: in.Email, Name: in.Name, Role: in.Role, OrgID: in.OrgID}
	if err := h.Store.CreateUser(r.Context(), u); err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusCreated, u)
}

func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, u)
}

func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	var in struct {
		Email    *string `json:"email"`
		Name     *string `json:"name"`
		Role     *string `json:"role"`
		OrgID    *int64  `json:"org_id"`
		Disabled *bool   `json:"disabled"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if in.Email != nil {
		u.Email = *in.Email
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Role != nil {
		if *in.Role != "admin" && *in.Role != "member" {
			render.Error(w, r, apierror.Validation(map[string]string{"role": "must be admin or member"}))
			return
		}
		u.Role = *in.Role
	}
	if in.OrgID != nil {
		u.OrgID = *in.OrgID
	}
	if in.Disabled != nil {
		u.Disabled = *in.Disabled
	}
	if err := h.Store.UpdateUser(r.Context(), u); err != nil {
		render.Error(w, r, err)
		return
	}
	if u.Disabled {
		h.Sessions.DeleteForUser(r.Context(), u.ID)
	}
	render.JSON(w, http.StatusOK, u)
}

func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := h.Store.DeleteUser(r.Context(), id); err != nil {
		render.Error(w, r, err)
		return
	}
	h.Sessions.DeleteForUser(r.Context(), id)
	ok(w)
}

// ── organizations ───────────────────────────────────────────

func (h *Handlers) ListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrgs(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, orgs)
}

func (h *Handlers) LookupOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrgs(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	type entry struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	out := make([]entry, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, entry{ID: o.ID, Name: o.Name})
	}
	render.JSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	if in.Name == "" {
		render.Error(w, r, apierror.Validation(map[string]string{"name": "is required"}))
		return
	}
	o := &models.Organization{Name: in.Name}
	if err := h.Store.CreateOrg(r.Context(), o); err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusCreated, o)
}

func (h *Handlers) GetOrg(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	o, err := h.Store.GetOrg(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, o)
}

func (h *Handlers) UpdateOrg(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	var in struct {
		Name *string `json:"name"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	o, err := h.Store.GetOrg(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if in.Name != nil {
		o.Name = *in.Name
	}
	if err := h.Store.UpdateOrg(r.Context(), o); err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, o)
}

func (h *Handlers) DeleteOrg(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := h.Store.DeleteOrg(r.Context(), id); err != nil {
		render.Error(w, r, err)
		return
	}
	ok(w)
}
