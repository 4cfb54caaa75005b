package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/clikpost/internal/model"
)

// resolveAccountID はプロバイダ側のアカウントIDを宣言された方法で取得する。
func (e *tokenExchanger) resolveAccountID(ctx context.Context, p ProviderConfig, token *oauth2.Token) (string, error) {
	switch p.Identity.Source {
	case IdentityFromToken:
		id := tokenField(token, p.Identity.Field)
		if id == "" {
			return "", &AccountIdentityResolutionError{
				Platform: p.Platform,
				Err:      fmt.Errorf("token response has no %q field", p.Identity.Field),
			}
		}
		return id, nil

	case IdentityFromEndpoint:
		doc, err := e.getJSON(ctx, p, p.Identity.Endpoint, p.Identity.Placement, token.AccessToken)
		if err != nil {
			return "", err
		}
		id, ok := lookupPath(doc, p.Identity.Field)
		if !ok || id == "" {
			return "", &AccountIdentityResolutionError{
				Platform: p.Platform,
				Err:      fmt.Errorf("identity response has no %q field", p.Identity.Field),
			}
		}
		return id, nil

	default:
		return "", &AccountIdentityResolutionError{
			Platform: p.Platform,
			Err:      fmt.Errorf("no identity strategy configured"),
		}
	}
}

// pagesResponse はページ一覧APIの応答。
type pagesResponse struct {
	Data []struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		AccessToken string   `json:"access_token"`
		Perms       []string `json:"perms"`
		Tasks       []string `json:"tasks"`
	} `json:"data"`
}

// fetchPages はユーザーが管理するFacebookページを取得する。
func (e *tokenExchanger) fetchPages(ctx context.Context, p ProviderConfig, accessToken string) ([]model.FacebookPage, error) {
	endpoint, err := url.Parse(p.PageSelection.Endpoint)
	if err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, Err: err}
	}
	q := endpoint.Query()
	q.Set("fields", "id,name,access_token,perms,tasks")
	q.Set("limit", "100")
	endpoint.RawQuery = q.Encode()

	body, err := e.get(ctx, p, endpoint.String(), TokenInQuery, accessToken)
	if err != nil {
		return nil, err
	}

	var resp pagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, Err: fmt.Errorf("failed to parse pages response: %w", err)}
	}

	pages := make([]model.FacebookPage, 0, len(resp.Data))
	for _, d := range resp.Data {
		perms := d.Perms
		if len(perms) == 0 {
			perms = d.Tasks
		}
		pages = append(pages, model.FacebookPage{
			ID:          d.ID,
			Name:        d.Name,
			AccessToken: d.AccessToken,
			Perms:       perms,
		})
	}
	return pages, nil
}

// getJSON は認証付きGETの応答をJSONとして返す。数値はjson.Numberで保持する。
func (e *tokenExchanger) getJSON(ctx context.Context, p ProviderConfig, endpoint string, placement TokenPlacement, accessToken string) (interface{}, error) {
	body, err := e.get(ctx, p, endpoint, placement, accessToken)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, Err: fmt.Errorf("failed to parse identity response: %w", err)}
	}
	return doc, nil
}

// get はアクセストークンを指定位置に載せてGETする。
func (e *tokenExchanger) get(ctx context.Context, p ProviderConfig, endpoint string, placement TokenPlacement, accessToken string) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}
	if placement == TokenInQuery {
		q := u.Query()
		q.Set("access_token", accessToken)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if placement == TokenInBearerHeader {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AccountIdentityResolutionError{Platform: p.Platform, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

// tokenField はトークン応答からドット区切りパスの値を取り出す。
func tokenField(token *oauth2.Token, path string) string {
	head, rest, _ := strings.Cut(path, ".")
	v := token.Extra(head)
	if rest == "" {
		return stringify(v)
	}
	s, _ := lookupPath(v, rest)
	return s
}

// lookupPath はJSON文書をドット区切りのパスで辿り、末端を文字列で返す。
// 数字のセグメントは配列の添字として扱う。
func lookupPath(doc interface{}, path string) (string, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			cur = node[i]
		default:
			return "", false
		}
	}
	s := stringify(cur)
	return s, s != ""
}
