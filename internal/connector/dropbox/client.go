package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/catherinevee/syncmgr/internal/apperrors"
)

// apiClient is a thin wrapper over the Dropbox RPC endpoints. All calls
// are POSTs with JSON bodies; downloads carry their argument in the
// Dropbox-API-Arg header instead.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
	contentURL string
	token      string
}

type accountInfo struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
}

// entry is one element of a list_folder page. Tag discriminates file,
// folder and deleted entries.
type entry struct {
	Tag            string    `json:".tag"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	Rev            string    `json:"rev"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
	ClientModified time.Time `json:"client_modified"`
	ContentHash    string    `json:"content_hash"`
}

type listFolderPage struct {
	Entries []entry `json:"entries"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"has_more"`
}

func newAPIClient(httpClient *http.Client, baseURL, contentURL, token string) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &apiClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		contentURL: strings.TrimRight(contentURL, "/"),
		token:      token,
	}
}

func (c *apiClient) rpc(ctx context.Context, path string, args, out interface{}) error {
	body, err := json.Marshal(args)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "encoding request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "calling "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		// 409 carries the routing errors: path not found, reset cursors.
		cursorError := resp.StatusCode == http.StatusConflict &&
			(bytes.Contains(msg, []byte("not_found")) || bytes.Contains(msg, []byte("reset")))
		if cursorError {
			return apperrors.New(apperrors.KindCursorInvalid, fmt.Sprintf("%s: %s", path, msg))
		}
		return apperrors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s: %s", path, msg), false)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "decoding "+path, err)
	}
	return nil
}

func (c *apiClient) getCurrentAccount(ctx context.Context) (*accountInfo, error) {
	var acct accountInfo
	if err := c.rpc(ctx, "/2/users/get_current_account", struct{}{}, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *apiClient) listFolder(ctx context.Context, path string) (*listFolderPage, error) {
	args := map[string]interface{}{
		"path":                           path,
		"recursive":                      true,
		"include_deleted":                true,
		"include_non_downloadable_files": true,
	}
	var page listFolderPage
	if err := c.rpc(ctx, "/2/files/list_folder", args, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *apiClient) listFolderContinue(ctx context.Context, cursor string) (*listFolderPage, error) {
	var page listFolderPage
	if err := c.rpc(ctx, "/2/files/list_folder/continue", map[string]string{"cursor": cursor}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// latestCursor performs the zero-window fetch that returns a cursor
// positioned at "now" without any entries.
func (c *apiClient) latestCursor(ctx context.Context, path string) (string, error) {
	args := map[string]interface{}{"path": path, "recursive": true, "include_deleted": true}
	var out struct {
		Cursor string `json:"cursor"`
	}
	if err := c.rpc(ctx, "/2/files/list_folder/get_latest_cursor", args, &out); err != nil {
		return "", err
	}
	return out.Cursor, nil
}

func (c *apiClient) temporaryLink(ctx context.Context, path string) (string, error) {
	var out struct {
		Link string `json:"link"`
	}
	if err := c.rpc(ctx, "/2/files/get_temporary_link", map[string]string{"path": path}, &out); err != nil {
		return "", err
	}
	return out.Link, nil
}

func (c *apiClient) download(ctx context.Context, path string) (io.ReadCloser, string, error) {
	arg, _ := json.Marshal(map[string]string{"path": path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+"/2/files/download", nil)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindInternal, "building download request", err)
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindTransient, "downloading", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, "", apperrors.FromHTTPStatus(resp.StatusCode, string(msg), false)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
