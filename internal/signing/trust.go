package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aegis-sign/signbridge/internal/native"
)

const maxTrustDocumentBytes = 16 << 20

// CAEntry 是 CA 列表中的一项。
type CAEntry struct {
	IssuerCNs              []string `json:"issuerCNs"`
	Address                string   `json:"address"`
	OCSPAccessPointAddress string   `json:"ocspAccessPointAddress"`
	OCSPAccessPointPort    string   `json:"ocspAccessPointPort"`
	TSPAddress             string   `json:"tspAddress"`
	DirectAccess           bool     `json:"directAccess"`
}

// LoadDocument 从本地路径或 http(s) URL 读取信任材料。
func LoadDocument(ctx context.Context, client *http.Client, source string) ([]byte, error) {
	if source == "" {
		return nil, fmt.Errorf("empty trust source")
	}
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		file, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
		defer file.Close()
		return readLimited(file, maxTrustDocumentBytes, source)
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", source, resp.StatusCode)
	}
	return readLimited(resp.Body, maxTrustDocumentBytes, source)
}

// readLimited 读取至多 limit 字节，超出时报错而不是截断。
func readLimited(r io.Reader, limit int64, source string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", source, limit)
	}
	return data, nil
}

// ParseCAList 解析 CA 列表 JSON，容忍被转义的单引号。
func ParseCAList(data []byte) ([]CAEntry, error) {
	cleaned := strings.ReplaceAll(string(data), `\'`, `'`)
	var cas []CAEntry
	if err := json.Unmarshal([]byte(cleaned), &cas); err != nil {
		return nil, fmt.Errorf("parse CA list: %w", err)
	}
	return cas, nil
}

// SettingsOptions 是构造签名库配置的本地参数。
type SettingsOptions struct {
	ProxyURL         string
	UseOCSP          bool
	GetTimestamps    bool
	ExtraDirectHosts []string
}

// BuildSettings 由 CA 列表生成签名库配置：每个颁发者 CN 一个 OCSP 访问点，
// 直连主机列表去重且保持首次出现顺序。
func BuildSettings(opts SettingsOptions, cas []CAEntry) native.Settings {
	s := native.Settings{
		ProxyURL:      opts.ProxyURL,
		UseOCSP:       opts.UseOCSP,
		GetTimestamps: opts.GetTimestamps,
	}
	seenIssuer := make(map[string]struct{})
	hosts := newHostSet()
	for _, h := range opts.ExtraDirectHosts {
		hosts.add(h)
	}
	for _, ca := range cas {
		for _, cn := range ca.IssuerCNs {
			s.OCSPAccessPoints = append(s.OCSPAccessPoints, native.OCSPAccessPoint{
				IssuerCN: cn,
				Address:  ca.OCSPAccessPointAddress,
				Port:     ca.OCSPAccessPointPort,
			})
			if _, ok := seenIssuer[cn]; !ok {
				seenIssuer[cn] = struct{}{}
				s.TrustedIssuers = append(s.TrustedIssuers, cn)
			}
		}
		if !ca.DirectAccess {
			continue
		}
		hosts.add(ca.Address)
		hosts.add(ca.TSPAddress)
		hosts.add(ca.OCSPAccessPointAddress)
	}
	s.DirectAccessHosts = hosts.list
	return s
}

type hostSet struct {
	seen map[string]struct{}
	list []string
}

func newHostSet() *hostSet { return &hostSet{seen: make(map[string]struct{})} }

// add 取地址中的主机部分后加入集合。
func (h *hostSet) add(address string) {
	host := hostOf(address)
	if host == "" {
		return
	}
	if _, ok := h.seen[host]; ok {
		return
	}
	h.seen[host] = struct{}{}
	h.list = append(h.list, host)
}

func hostOf(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if strings.Contains(address, "://") {
		if u, err := url.Parse(address); err == nil {
			return u.Host
		}
	}
	host, _, _ := strings.Cut(address, "/")
	return host
}
