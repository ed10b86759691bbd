// Package upload 把签名结果和签名者信息上传到后端。
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/aegis-sign/signbridge/internal/signing"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
)

const (
	DefaultPathTemplate = "/cases/upload-sign/%s/"
	CSRFHeader          = "X-CSRFToken"
	maxAckBytes         = 1 << 20
)

// Config 描述上传接口。
type Config struct {
	BaseURL      string
	PathTemplate string
}

// Ack 是后端确认，原样保留后端 JSON。
type Ack map[string]any

// Uploader 以 multipart 表单上传签名。
type Uploader struct {
	base     *url.URL
	template string
	http     *http.Client
}

// New 创建 Uploader。
func New(cfg Config, httpClient *http.Client) (*Uploader, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upload base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	tmpl := cfg.PathTemplate
	if tmpl == "" {
		tmpl = DefaultPathTemplate
	}
	return &Uploader{base: base, template: tmpl, http: httpClient}, nil
}

// Upload 发送 blob 与 sign_info 两个表单字段，csrfToken 放入 X-CSRFToken 头。
func (u *Uploader) Upload(ctx context.Context, documentID string, sig *signing.Signature, csrfToken string) (Ack, error) {
	if documentID == "" || sig == nil || len(sig.Data) == 0 {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "document id and signature are required")
	}
	body, contentType, err := encodeForm(sig)
	if err != nil {
		return nil, err
	}
	target := u.base.JoinPath(fmt.Sprintf(u.template, url.PathEscape(documentID)))
	if strings.HasSuffix(u.template, "/") && !strings.HasSuffix(target.Path, "/") {
		target.Path += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if csrfToken != "" {
		req.Header.Set(CSRFHeader, csrfToken)
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeTransport, "upload signature").WithCause(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeTransport, "read upload response").WithCause(err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, apierrors.Newf(apierrors.CodeTransport, "upload for document %s returned %d", documentID, resp.StatusCode)
	}
	ack := Ack{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, apierrors.New(apierrors.CodeTransport, "decode upload response").WithCause(err)
		}
	}
	return ack, nil
}

func encodeForm(sig *signing.Signature) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="blob"; filename="blob"`)
	header.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(sig.Data); err != nil {
		return nil, "", err
	}
	info, err := json.Marshal(sig.Signer)
	if err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("sign_info", string(info)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
