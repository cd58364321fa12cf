package handlers

import (
	"net/http"

	"github.com/malbeclabs/commission/engine/pkg/attribution"
)

// RecordConversion handles POST /conversions. A new conversion returns 202
// with the created settlement; a repeated orderId returns 200 with the
// original records.
func (a *API) RecordConversion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var in attribution.ConversionInput
	if err := decode(r, &in); err != nil {
		a.writeErr(w, r, err)
		return
	}

	res, err := a.cfg.Tracker.RecordConversion(ctx, in)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	a.writeJSON(w, status, res)
}
