package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/lidadreamer/ML-tornado/db"
	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
	"github.com/lidadreamer/ML-tornado/training"
)

// Trainer 训练协调器
type Trainer interface {
	RequestUpdate(ctx context.Context, dsid int64, kind ml.Kind) (training.Result, error)
	InFlight() []int64
}

// Predictor 预测服务
type Predictor interface {
	Predict(ctx context.Context, dsid int64, feature []float64) (ml.Label, error)
	Model(dsid int64) (*training.Model, bool)
}

// InstanceStore 样本存储
type InstanceStore interface {
	AppendInstance(ctx context.Context, dsid int64, feature []float64, label ml.Label) (int64, error)
	MaxDatasetID(ctx context.Context) (int64, error)
	CountInstances(ctx context.Context, dsid int64) (int, error)
}

// TrainingLogReader 训练记录
type TrainingLogReader interface {
	LoadTrainingLog(ctx context.Context, dsid int64, limit int) ([]db.TrainingLog, error)
}

// StatsSource 运行状态
type StatsSource interface {
	GetSystemStats() map[string]interface{}
	ObserveUpload()
	Handler() http.Handler
}

// API 持有所有处理器依赖
type API struct {
	Trainer   Trainer
	Predictor Predictor
	Instances InstanceStore
	Log       TrainingLogReader
	Stats     StatsSource  // 可为nil
	Events    http.Handler // websocket训练事件, 可为nil
	Logger    *zap.SugaredLogger

	routes []string
}

// RegisterHandlers 注册所有路由
func (a *API) RegisterHandlers(mux *http.ServeMux) {
	if a.Logger == nil {
		a.Logger = zap.NewNop().Sugar()
	}
	handle := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, h)
		a.routes = append(a.routes, pattern)
	}

	handle("GET /{$}", a.handleHandlers)
	handle("GET /Handlers", a.handleHandlers)
	handle("POST /AddDataPoint", a.handleAddDataPoint)
	handle("GET /GetNewDatasetId", a.handleGetNewDatasetID)
	handle("GET /UpdateModel", a.handleUpdateModel)
	handle("GET /PredictOne", a.handlePredictOne)
	handle("POST /PredictOne", a.handlePredictOne)

	handle("GET /api/health", a.handleHealth)
	handle("GET /api/models/{dsid}", a.handleModel)
	handle("GET /api/training/log", a.handleTrainingLog)

	if a.Stats != nil {
		mux.Handle("GET /metrics", a.Stats.Handler())
		a.routes = append(a.routes, "GET /metrics")
	}
	if a.Events != nil {
		mux.Handle("GET /api/ws/training", a.Events)
		a.routes = append(a.routes, "GET /api/ws/training")
	}
	sort.Strings(a.routes)
}

// Routes 返回已注册的路由
func (a *API) Routes() []string {
	return append([]string(nil), a.routes...)
}

func (a *API) handleHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"handlers": a.routes})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"in_flight": a.Trainer.InFlight(),
	}
	if a.Stats != nil {
		resp["system"] = a.Stats.GetSystemStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type dataPointRequest struct {
	DSID    int64           `json:"dsid"`
	Feature []float64       `json:"feature"`
	Label   json.RawMessage `json:"label"`
}

type dataPointResponse struct {
	ID      int64     `json:"id"`
	DSID    int64     `json:"dsid"`
	Feature []float64 `json:"feature"`
	Label   ml.Label  `json:"label"`
}

// handleAddDataPoint 保存一个带标签的样本. 标签统一按文本存储: 字符串做NFC规范化,
// 数字取最短十进制形式(1 -> "1", 0.5 -> "0.5"), 所以 /PredictOne 总是返回JSON字符串
func (a *API) handleAddDataPoint(w http.ResponseWriter, r *http.Request) {
	var req dataPointRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DSID < 0 {
		writeError(w, errors.NewInvalidRequestError("dsid must be non-negative, got %d", req.DSID))
		return
	}
	if err := validateFeature(req.Feature); err != nil {
		writeError(w, err)
		return
	}
	label, err := parseLabel(req.Label)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := a.Instances.AppendInstance(r.Context(), req.DSID, req.Feature, label)
	if err != nil {
		a.Logger.Errorw("Failed to store data point", "dsid", req.DSID, "error", err)
		writeError(w, err)
		return
	}
	if a.Stats != nil {
		a.Stats.ObserveUpload()
	}
	writeJSON(w, http.StatusOK, dataPointResponse{ID: id, DSID: req.DSID, Feature: req.Feature, Label: label})
}

func (a *API) handleGetNewDatasetID(w http.ResponseWriter, r *http.Request) {
	max, err := a.Instances.MaxDatasetID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"dsid": max + 1})
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	dsid, err := strconv.ParseInt(r.PathValue("dsid"), 10, 64)
	if err != nil || dsid < 0 {
		writeError(w, errors.NewInvalidRequestError("dsid must be a non-negative integer"))
		return
	}

	count, err := a.Instances.CountInstances(r.Context(), dsid)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"dsid":      dsid,
		"instances": count,
		"training":  containsID(a.Trainer.InFlight(), dsid),
	}
	m, ok := a.Predictor.Model(dsid)
	if !ok && count == 0 {
		writeError(w, errors.NewNotFoundError("dataset %d has no instances and no model", dsid))
		return
	}
	if ok {
		resp["model"] = m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dsid := int64(-1)
	if v := q.Get("dsid"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, errors.NewInvalidRequestError("dsid must be a non-negative integer"))
			return
		}
		dsid = parsed
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}

	logs, err := a.Log.LoadTrainingLog(r.Context(), dsid, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": logs})
}

// intArg 读取整数参数，缺失或非法时使用默认值
func intArg(r *http.Request, name string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// parseLabel 接受字符串或数字，返回NFC规范化的文本
func parseLabel(raw json.RawMessage) (ml.Label, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.NewInvalidRequestError("label is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = norm.NFC.String(s)
		if s == "" {
			return "", errors.NewInvalidRequestError("label must not be empty")
		}
		return ml.Label(s), nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return ml.Label(strconv.FormatFloat(f, 'g', -1, 64)), nil
	}
	return "", errors.NewInvalidRequestError("label must be a string or a number")
}

func validateFeature(feature []float64) error {
	if len(feature) == 0 {
		return errors.NewInvalidRequestError("feature must be a non-empty array of numbers")
	}
	return nil
}

// parseFeature 解析 "1,2,3" 或 "[1,2,3]"
func parseFeature(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var out []float64
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, errors.NewInvalidRequestError("feature is not a JSON array of numbers")
		}
		return out, validateFeature(out)
	}
	if s == "" {
		return nil, validateFeature(nil)
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.NewInvalidRequestError("feature value %q is not a number", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// readJSON 解析JSON请求体. 超过大小限制返回413, 其他错误返回400
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error:   "PayloadTooLarge",
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	writeError(w, errors.NewInvalidRequestError("invalid JSON body: %v", err))
	return false
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), errorResponse{
		Error:   errors.KindOf(err),
		Message: err.Error(),
	})
}
