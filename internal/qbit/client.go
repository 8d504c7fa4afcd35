// Package qbit is a minimal qBittorrent WebUI (API v2) client covering the
// operations the balancer needs: login, global stats, add, torrent progress
// and tracker reannounce.
package qbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// Login authenticates and returns a fresh session. The old session, if any,
// stays untouched; callers swap sessions atomically on their side.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("login: %w", ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Endpoint: "auth/login", Status: resp.StatusCode, Body: string(body)}
	}
	if strings.HasPrefix(string(body), "Fails") {
		return nil, fmt.Errorf("login: %w", ErrAuth)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == "SID" && ck.Value != "" {
			return &Session{sid: ck.Value, loggedIn: time.Now()}, nil
		}
	}
	return nil, fmt.Errorf("login: no SID cookie in response: %w", ErrAuth)
}

// Stats fetches global transfer rates, free disk space and the number of
// torrents currently in the downloading state.
func (c *Client) Stats(ctx context.Context, s *Session) (Stats, error) {
	raw, err := c.get(ctx, s, "/api/v2/sync/maindata", url.Values{"rid": {"0"}})
	if err != nil {
		return Stats{}, err
	}

	var md maindataResponse
	if err := json.Unmarshal(raw, &md); err != nil {
		return Stats{}, fmt.Errorf("parse maindata: %w", err)
	}

	active := 0
	for _, t := range md.Torrents {
		if t.State == "downloading" {
			active++
		}
	}
	return Stats{
		UploadSpeed:     md.ServerState.UpSpeed,
		DownloadSpeed:   md.ServerState.DlSpeed,
		ActiveDownloads: active,
		FreeSpace:       md.ServerState.FreeSpace,
	}, nil
}

// Add submits a torrent by URL or local file and returns its info-hash.
// For magnet links the hash is taken from the link itself; otherwise the
// newest torrent by added-on time is looked up right after the add. An empty
// hash with a nil error means the add succeeded but resolution did not.
func (c *Client) Add(ctx context.Context, s *Session, req AddRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	switch {
	case req.URL != "":
		if err := mw.WriteField("urls", req.URL); err != nil {
			return "", err
		}
	case req.FilePath != "":
		f, err := os.Open(req.FilePath)
		if err != nil {
			return "", fmt.Errorf("open torrent file: %w", err)
		}
		part, err := mw.CreateFormFile("torrents", filepath.Base(req.FilePath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("attach torrent file: %w", err)
		}
	default:
		return "", fmt.Errorf("add: url or file path required")
	}

	fields := map[string]string{
		"paused":  strconv.FormatBool(req.Paused),
		"stopped": strconv.FormatBool(req.Paused), // field name since qBittorrent 5.x
	}
	if req.Category != "" {
		fields["category"] = req.Category
	}
	if req.SavePath != "" {
		fields["savepath"] = req.SavePath
	}
	if req.UpLimit > 0 {
		fields["upLimit"] = strconv.FormatInt(req.UpLimit, 10)
	}
	if req.DlLimit > 0 {
		fields["dlLimit"] = strconv.FormatInt(req.DlLimit, 10)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/torrents/add", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(httpReq, s)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("torrents/add: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if err := checkStatus("torrents/add", resp.StatusCode, body); err != nil {
		return "", err
	}
	if strings.HasPrefix(string(body), "Fails") {
		return "", &APIError{Endpoint: "torrents/add", Status: resp.StatusCode, Body: string(body)}
	}

	if h := MagnetHash(req.URL); h != "" {
		return h, nil
	}
	return c.newestHash(ctx, s)
}

// Progress returns tracker-visible progress for one torrent.
func (c *Client) Progress(ctx context.Context, s *Session, hash string) (Progress, error) {
	raw, err := c.get(ctx, s, "/api/v2/torrents/info", url.Values{"hashes": {hash}})
	if err != nil {
		return Progress{}, err
	}

	var infos []torrentInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return Progress{}, fmt.Errorf("parse torrents/info: %w", err)
	}
	if len(infos) == 0 {
		return Progress{}, fmt.Errorf("%s: %w", hash, ErrNotFound)
	}
	return Progress{
		Peers:    infos[0].NumLeechs,
		Seeds:    infos[0].NumSeeds,
		Progress: infos[0].Progress,
	}, nil
}

// Reannounce forces a tracker announce for one torrent.
func (c *Client) Reannounce(ctx context.Context, s *Session, hash string) error {
	form := url.Values{"hashes": {hash}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/torrents/reannounce", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req, s)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("torrents/reannounce: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	return checkStatus("torrents/reannounce", resp.StatusCode, body)
}

func (c *Client) newestHash(ctx context.Context, s *Session) (string, error) {
	raw, err := c.get(ctx, s, "/api/v2/torrents/info", url.Values{
		"sort":    {"added_on"},
		"reverse": {"true"},
		"limit":   {"1"},
	})
	if err != nil {
		return "", err
	}
	var infos []torrentInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return "", fmt.Errorf("parse torrents/info: %w", err)
	}
	if len(infos) == 0 {
		return "", nil
	}
	return infos[0].Hash, nil
}

func (c *Client) get(ctx context.Context, s *Session, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req, s)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	if err := checkStatus(path, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request, s *Session) {
	if s.valid() {
		req.AddCookie(&http.Cookie{Name: "SID", Value: s.sid})
	}
}

func checkStatus(endpoint string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", endpoint, ErrAuth)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", endpoint, ErrNotFound)
	default:
		return &APIError{Endpoint: endpoint, Status: status, Body: string(body)}
	}
}

var btihRe = regexp.MustCompile(`(?i)urn:btih:([0-9a-f]{40})`)

// MagnetHash extracts the hex info-hash from a magnet link, or "" if the
// input is not a magnet link with a hex btih.
func MagnetHash(link string) string {
	if !strings.HasPrefix(link, "magnet:") {
		return ""
	}
	m := btihRe.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
