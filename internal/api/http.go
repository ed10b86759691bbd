package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-sign/signbridge/internal/discovery"
	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/internal/signing"
	"github.com/aegis-sign/signbridge/internal/taskpoller"
	"github.com/aegis-sign/signbridge/internal/upload"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/aegis-sign/signbridge/pkg/validator"
	"golang.org/x/time/rate"
)

// maxBodyBytes 覆盖 base64 膨胀后的最大载荷。
const maxBodyBytes = validator.MaxPayloadBytes/3*4 + 1<<20

// Signer 是 HTTP 层依赖的签名操作集合，由 signing.Facade 实现。
type Signer interface {
	ReadFileKey(ctx context.Context, container []byte, password string) (native.OwnerInfo, error)
	ReadDeviceKey(ctx context.Context, typeIndex, deviceIndex int, password string) (native.OwnerInfo, error)
	FileKeyInfo(ctx context.Context, container []byte, password string) ([]byte, error)
	DeviceKeyInfo(ctx context.Context, typeIndex, deviceIndex int, password string) ([]byte, error)
	OwnerInfo(ctx context.Context) (native.OwnerInfo, error)
	OwnCertificates(ctx context.Context) ([]native.CertificateInfo, error)
	Sign(ctx context.Context, data []byte) (*signing.Signature, error)
	Verify(ctx context.Context, signature, data []byte) (native.SignerInfo, error)
	SaveCertificates(ctx context.Context, bundle []byte) error
}

// MediaDiscovery 由 discovery.Discovery 实现。
type MediaDiscovery interface {
	Config() discovery.Config
	ListKeyMediaTypes(ctx context.Context) ([]discovery.KeyMediaType, error)
	ListDevicesForType(ctx context.Context, typeIndex int) ([]discovery.KeyMediaDevice, error)
	DiscoverAll(ctx context.Context) ([]discovery.KeyMediaDevice, error)
}

type TaskAwaiter interface {
	AwaitResult(ctx context.Context, taskID string) (json.RawMessage, error)
}

type LookupSubmitter interface {
	SubmitLookup(ctx context.Context, q taskpoller.LookupQuery) (string, error)
}

type SignatureUploader interface {
	Upload(ctx context.Context, documentID string, sig *signing.Signature, csrfToken string) (upload.Ack, error)
}

// Deps 汇总 handler 依赖；Tasks/Lookup/Uploader 为空时对应路由返回 NOT_READY。
type Deps struct {
	Signer    Signer
	Discovery MediaDiscovery
	Tasks     TaskAwaiter
	Lookup    LookupSubmitter
	Uploader  SignatureUploader
}

// Option 自定义 HTTPHandler。
type Option func(*HTTPHandler)

// WithLogger 设置日志。
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMediaRateLimit 限制介质枚举请求速率，ratePerSecond<=0 表示不限。
func WithMediaRateLimit(ratePerSecond float64, burst int) Option {
	return func(h *HTTPHandler) {
		if ratePerSecond <= 0 {
			h.mediaLimiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.mediaLimiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// HTTPHandler 实现 agent 的 HTTP/JSON 接口。
type HTTPHandler struct {
	deps         Deps
	logger       *slog.Logger
	mediaLimiter *rate.Limiter
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(deps Deps, opts ...Option) *HTTPHandler {
	if deps.Signer == nil {
		panic("signer is required")
	}
	if deps.Discovery == nil {
		panic("discovery is required")
	}
	h := &HTTPHandler{deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /media/types", h.handleMediaTypes)
	mux.HandleFunc("GET /media/devices", h.handleMediaDevices)
	mux.HandleFunc("POST /keys/file", h.handleReadFileKey)
	mux.HandleFunc("POST /keys/device", h.handleReadDeviceKey)
	mux.HandleFunc("POST /keys/info/file", h.handleFileKeyInfo)
	mux.HandleFunc("POST /keys/info/device", h.handleDeviceKeyInfo)
	mux.HandleFunc("GET /keys/owner", h.handleOwner)
	mux.HandleFunc("GET /certificates", h.handleListCertificates)
	mux.HandleFunc("POST /certificates", h.handleSaveCertificates)
	mux.HandleFunc("POST /sign", h.handleSign)
	mux.HandleFunc("POST /verify", h.handleVerify)
	mux.HandleFunc("POST /documents/{id}/sign", h.handleSignDocument)
	mux.HandleFunc("POST /lookup", h.handleLookup)
	mux.HandleFunc("GET /tasks/{id}", h.handleTask)
}

type fileKeyRequestBody struct {
	Container string `json:"container"`
	Encoding  string `json:"encoding"`
	Password  string `json:"password"`
}

type deviceKeyRequestBody struct {
	TypeIndex   *int   `json:"typeIndex"`
	DeviceIndex *int   `json:"deviceIndex"`
	Password    string `json:"password"`
}

type ownerResponseBody struct {
	Issuer         string `json:"issuer"`
	IssuerCN       string `json:"issuerCN"`
	Serial         string `json:"serial"`
	SubjCN         string `json:"subjCN"`
	SubjFullName   string `json:"subjFullName,omitempty"`
	SubjOrg        string `json:"subjOrg,omitempty"`
	SubjOrgUnit    string `json:"subjOrgUnit,omitempty"`
	SubjTitle      string `json:"subjTitle,omitempty"`
	SubjLocality   string `json:"subjLocality,omitempty"`
	SubjEMail      string `json:"subjEMail,omitempty"`
	SubjPhone      string `json:"subjPhone,omitempty"`
	SubjDRFOCode   string `json:"subjDRFOCode,omitempty"`
	SubjEDRPOUCode string `json:"subjEDRPOUCode,omitempty"`
}

type keyInfoResponseBody struct {
	KeyInfo string `json:"keyInfo"`
}

type certificateBody struct {
	Serial    string    `json:"serial"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	NotBefore time.Time `json:"notBefore"`
	NotAfter  time.Time `json:"notAfter"`
	KeyUsage  string    `json:"keyUsage,omitempty"`
	Data      string    `json:"data"`
}

type saveCertificatesRequestBody struct {
	Bundle   string `json:"bundle"`
	Encoding string `json:"encoding"`
}

type signRequestBody struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

type signResponseBody struct {
	Signature string             `json:"signature"`
	Signer    signing.SignerMeta `json:"signer"`
}

type verifyRequestBody struct {
	Signature string `json:"signature"`
	Data      string `json:"data"`
	Encoding  string `json:"encoding"`
}

type verifyResponseBody struct {
	Owner       ownerResponseBody `json:"owner"`
	SigningTime time.Time         `json:"signingTime"`
}

type documentSignResponseBody struct {
	Signer signing.SignerMeta `json:"signer"`
	Ack    upload.Ack         `json:"ack"`
}

type lookupRequestBody struct {
	NumType string `json:"numType"`
	Number  string `json:"number"`
	KindID  int    `json:"kindId"`
	Wait    bool   `json:"wait"`
}

type lookupResponseBody struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
}

type taskResponseBody struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	NativeCode     int    `json:"nativeCode,omitempty"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) handleMediaTypes(w http.ResponseWriter, r *http.Request) {
	if !h.allowMedia(w) {
		return
	}
	types, err := h.deps.Discovery.ListKeyMediaTypes(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

func (h *HTTPHandler) handleMediaDevices(w http.ResponseWriter, r *http.Request) {
	if !h.allowMedia(w) {
		return
	}
	raw := r.URL.Query().Get("type")
	var (
		devices []discovery.KeyMediaDevice
		err     error
	)
	if raw == "" {
		devices, err = h.deps.Discovery.DiscoverAll(r.Context())
	} else {
		typeIndex, convErr := strconv.Atoi(raw)
		if convErr != nil {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "type must be an integer"))
			return
		}
		if err := validator.ValidateIndex("type", typeIndex, h.deps.Discovery.Config().MaxTypeIndex); err != nil {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
			return
		}
		devices, err = h.deps.Discovery.ListDevicesForType(r.Context(), typeIndex)
	}
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	if devices == nil {
		devices = []discovery.KeyMediaDevice{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *HTTPHandler) handleReadFileKey(w http.ResponseWriter, r *http.Request) {
	container, password, ok := h.decodeFileKey(w, r)
	if !ok {
		return
	}
	owner, err := h.deps.Signer.ReadFileKey(r.Context(), container, password)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertOwner(owner))
}

func (h *HTTPHandler) handleReadDeviceKey(w http.ResponseWriter, r *http.Request) {
	typeIndex, deviceIndex, password, ok := h.decodeDeviceKey(w, r)
	if !ok {
		return
	}
	owner, err := h.deps.Signer.ReadDeviceKey(r.Context(), typeIndex, deviceIndex, password)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertOwner(owner))
}

func (h *HTTPHandler) handleFileKeyInfo(w http.ResponseWriter, r *http.Request) {
	container, password, ok := h.decodeFileKey(w, r)
	if !ok {
		return
	}
	info, err := h.deps.Signer.FileKeyInfo(r.Context(), container, password)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, keyInfoResponseBody{KeyInfo: validator.EncodePayload(info, validator.PayloadEncodingBase64)})
}

func (h *HTTPHandler) handleDeviceKeyInfo(w http.ResponseWriter, r *http.Request) {
	typeIndex, deviceIndex, password, ok := h.decodeDeviceKey(w, r)
	if !ok {
		return
	}
	info, err := h.deps.Signer.DeviceKeyInfo(r.Context(), typeIndex, deviceIndex, password)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, keyInfoResponseBody{KeyInfo: validator.EncodePayload(info, validator.PayloadEncodingBase64)})
}

func (h *HTTPHandler) handleOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := h.deps.Signer.OwnerInfo(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertOwner(owner))
}

func (h *HTTPHandler) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.deps.Signer.OwnCertificates(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	out := make([]certificateBody, 0, len(certs))
	for _, c := range certs {
		out = append(out, certificateBody{
			Serial:    c.Serial,
			Issuer:    c.Issuer,
			Subject:   c.Subject,
			NotBefore: c.NotBefore,
			NotAfter:  c.NotAfter,
			KeyUsage:  c.KeyUsage,
			Data:      validator.EncodePayload(c.Data, validator.PayloadEncodingBase64),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"certificates": out})
}

func (h *HTTPHandler) handleSaveCertificates(w http.ResponseWriter, r *http.Request) {
	var body saveCertificatesRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	bundle, ok := h.decodePayload(w, "bundle", body.Bundle, body.Encoding)
	if !ok {
		return
	}
	if err := h.deps.Signer.SaveCertificates(r.Context(), bundle); err != nil {
		h.writeUnknownError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	data, ok := h.decodePayload(w, "data", body.Data, body.Encoding)
	if !ok {
		return
	}
	sig, err := h.deps.Signer.Sign(r.Context(), data)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, signResponseBody{
		Signature: validator.EncodePayload(sig.Data, validator.PayloadEncodingBase64),
		Signer:    sig.Signer,
	})
}

func (h *HTTPHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	signature, ok := h.decodePayload(w, "signature", body.Signature, "base64")
	if !ok {
		return
	}
	var data []byte
	if body.Data != "" {
		if data, ok = h.decodePayload(w, "data", body.Data, body.Encoding); !ok {
			return
		}
	}
	info, err := h.deps.Signer.Verify(r.Context(), signature, data)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, verifyResponseBody{Owner: convertOwner(info.Owner), SigningTime: info.SigningTime})
}

func (h *HTTPHandler) handleSignDocument(w http.ResponseWriter, r *http.Request) {
	if h.deps.Uploader == nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeNotReady, "case backend is not configured"))
		return
	}
	documentID := r.PathValue("id")
	var body signRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	data, ok := h.decodePayload(w, "data", body.Data, body.Encoding)
	if !ok {
		return
	}
	sig, err := h.deps.Signer.Sign(r.Context(), data)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	ack, err := h.deps.Uploader.Upload(r.Context(), documentID, sig, r.Header.Get(upload.CSRFHeader))
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.logger.Info("document signed", slog.String("document", documentID), slog.String("serial", sig.Signer.Serial))
	h.writeJSON(w, http.StatusOK, documentSignResponseBody{Signer: sig.Signer, Ack: ack})
}

func (h *HTTPHandler) handleLookup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Lookup == nil || h.deps.Tasks == nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeNotReady, "case backend is not configured"))
		return
	}
	var body lookupRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	if body.NumType == "" || body.Number == "" {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "numType and number are required"))
		return
	}
	taskID, err := h.deps.Lookup.SubmitLookup(r.Context(), taskpoller.LookupQuery{
		NumType: body.NumType,
		Number:  body.Number,
		KindID:  body.KindID,
	})
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	if !body.Wait {
		h.writeJSON(w, http.StatusAccepted, lookupResponseBody{TaskID: taskID})
		return
	}
	result, err := h.deps.Tasks.AwaitResult(r.Context(), taskID)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lookupResponseBody{TaskID: taskID, Result: result})
}

func (h *HTTPHandler) handleTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeNotReady, "case backend is not configured"))
		return
	}
	taskID := r.PathValue("id")
	result, err := h.deps.Tasks.AwaitResult(r.Context(), taskID)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponseBody{TaskID: taskID, Result: result})
}

func (h *HTTPHandler) allowMedia(w http.ResponseWriter) bool {
	if h.mediaLimiter == nil || h.mediaLimiter.Allow() {
		return true
	}
	h.writeAPIError(w, apierrors.New(apierrors.CodeRetryLater, "media enumeration rate limited").WithRetryAfter(time.Second))
	return false
}

func (h *HTTPHandler) decodeFileKey(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	var body fileKeyRequestBody
	if !h.decodeBody(w, r, &body) {
		return nil, "", false
	}
	container, ok := h.decodePayload(w, "container", body.Container, body.Encoding)
	if !ok {
		return nil, "", false
	}
	return container, body.Password, true
}

func (h *HTTPHandler) decodeDeviceKey(w http.ResponseWriter, r *http.Request) (int, int, string, bool) {
	var body deviceKeyRequestBody
	if !h.decodeBody(w, r, &body) {
		return 0, 0, "", false
	}
	if body.TypeIndex == nil || body.DeviceIndex == nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "typeIndex and deviceIndex are required"))
		return 0, 0, "", false
	}
	cfg := h.deps.Discovery.Config()
	if err := validator.ValidateIndex("typeIndex", *body.TypeIndex, cfg.MaxTypeIndex); err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return 0, 0, "", false
	}
	if err := validator.ValidateIndex("deviceIndex", *body.DeviceIndex, cfg.MaxDeviceIndex); err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return 0, 0, "", false
	}
	return *body.TypeIndex, *body.DeviceIndex, body.Password, true
}

func (h *HTTPHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "request body too large"))
			return false
		}
		if errors.Is(err, io.EOF) {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "request body is required"))
			return false
		}
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body"))
		return false
	}
	return true
}

func (h *HTTPHandler) decodePayload(w http.ResponseWriter, field, value, rawEncoding string) ([]byte, bool) {
	encoding, err := validator.NormalizeEncoding(rawEncoding)
	if err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return nil, false
	}
	decoded, err := validator.DecodePayload(value, encoding)
	if err != nil {
		h.writeAPIError(w, apierrors.Newf(apierrors.CodeInvalidArgument, "%s: %v", field, err))
		return nil, false
	}
	return decoded, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	// 会话初始化中优先报告 NOT_READY，即使外层已包装为枚举错误。
	if notReady, ok := apierrors.FindCode(err, apierrors.CodeNotReady); ok {
		h.writeAPIError(w, notReady)
		return
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		h.writeAPIError(w, apiErr)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		h.writeAPIError(w, apierrors.New(apierrors.CodeTransport, "request cancelled").WithCause(err))
		return
	}
	h.logger.Error("unclassified error", slog.Any("err", err))
	h.writeAPIError(w, apierrors.New(apierrors.CodeInternal, "internal error"))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	if apierrors.RequiresRetryAfter(apiErr.Code) {
		if hint := apiErr.RetryAfterHint(); hint != "" {
			w.Header().Set("Retry-After", hint)
		}
	}
	resp := errorResponse{
		Code:           string(apiErr.Code),
		Message:        apiErr.Error(),
		NativeCode:     apiErr.NativeCode,
		RetryAfterHint: apiErr.RetryAfterHint(),
	}
	h.writeJSON(w, status, resp)
}

func convertOwner(o native.OwnerInfo) ownerResponseBody {
	return ownerResponseBody{
		Issuer:         o.Issuer,
		IssuerCN:       o.IssuerCN,
		Serial:         o.Serial,
		SubjCN:         o.SubjCN,
		SubjFullName:   o.SubjFullName,
		SubjOrg:        o.SubjOrg,
		SubjOrgUnit:    o.SubjOrgUnit,
		SubjTitle:      o.SubjTitle,
		SubjLocality:   o.SubjLocality,
		SubjEMail:      o.SubjEMail,
		SubjPhone:      o.SubjPhone,
		SubjDRFOCode:   o.SubjDRFOCode,
		SubjEDRPOUCode: o.SubjEDRPOUCode,
	}
}
