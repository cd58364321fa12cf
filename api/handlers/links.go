package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/commission/api/handlers/dberror"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/ledger"
)

// CreateLink handles POST /referral-links
func (a *API) CreateLink(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var in attribution.CreateLinkInput
	if err := decode(r, &in); err != nil {
		a.writeErr(w, r, err)
		return
	}

	link, err := a.cfg.Tracker.CreateLink(ctx, in)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, link)
}

// Redirect handles GET /r/{shortCode}: counts the click and redirects to the
// link target.
func (a *API) Redirect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	link, err := a.cfg.Tracker.RecordClick(ctx, chi.URLParam(r, "shortCode"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, link.TargetURL, http.StatusFound)
}

// ListLinks handles GET /referral-links/{ownerId}
func (a *API) ListLinks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	ownerID := chi.URLParam(r, "ownerId")
	links, err := dberror.Retry(ctx, a.cfg.ReadRetry, func() ([]attribution.Link, error) {
		return a.cfg.Tracker.ListLinks(ctx, ownerID)
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if links == nil {
		links = []attribution.Link{}
	}
	a.writeJSON(w, http.StatusOK, links)
}

// GetStats handles GET /referral-links/{ownerId}/stats
func (a *API) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	ownerID := chi.URLParam(r, "ownerId")
	stats, err := dberror.Retry(ctx, a.cfg.ReadRetry, func() (*ledger.Stats, error) {
		return a.cfg.Ledger.Stats(ctx, ownerID)
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

// DisableLink handles POST /referral-links/{ownerId}/{linkId}/disable
func (a *API) DisableLink(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	link, err := a.cfg.Tracker.DisableLink(ctx, chi.URLParam(r, "linkId"), chi.URLParam(r, "ownerId"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, link)
}
