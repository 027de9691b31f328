package http

import (
	"net/http"

	"github.com/lidadreamer/ML-tornado/ml"
)

type updateModelResponse struct {
	Accuracy float64 `json:"resubAccuracy"`
}

// handleUpdateModel 重新训练dsid的模型并返回训练集准确率.
// dsid缺省为0, classifier缺省为1(svc). 数据集为空时返回-1且不替换已有模型
func (a *API) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	dsid := intArg(r, "dsid", 0)
	kind := ml.Kind(intArg(r, "classifier", int64(ml.DefaultKind)))

	res, err := a.Trainer.RequestUpdate(r.Context(), dsid, kind)
	if err != nil {
		a.Logger.Warnw("Model update failed", "dsid", dsid, "classifier", int(kind),
			"request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateModelResponse{Accuracy: res.Accuracy})
}
