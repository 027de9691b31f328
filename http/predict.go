package http

import (
	"net/http"

	"github.com/lidadreamer/ML-tornado/ml"
)

type predictRequest struct {
	DSID    int64     `json:"dsid"`
	Feature []float64 `json:"feature"`
}

// predictResponse label为样本上传时保存的文本形式, 数字标签也以字符串返回
type predictResponse struct {
	Label ml.Label `json:"label"`
}

// handlePredictOne GET ?dsid=&feature=1,2 或 POST {"dsid":..,"feature":[..]}
func (a *API) handlePredictOne(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if r.Method == http.MethodPost {
		if !readJSON(w, r, &req) {
			return
		}
		if err := validateFeature(req.Feature); err != nil {
			writeError(w, err)
			return
		}
	} else {
		req.DSID = intArg(r, "dsid", 0)
		feature, err := parseFeature(r.URL.Query().Get("feature"))
		if err != nil {
			writeError(w, err)
			return
		}
		req.Feature = feature
	}

	label, err := a.Predictor.Predict(r.Context(), req.DSID, req.Feature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Label: label})
}
