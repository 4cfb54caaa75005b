package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxProviderResponseBytes はプロバイダ応答の読み取り上限。
const maxProviderResponseBytes = 1 << 20

// Credentials はプロバイダのクライアント資格情報。
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// tokenExchanger はプロバイダのトークンエンドポイントとの通信を担う。
// リクエスト形式はProviderConfig.TokenRequestStyleに従う。
type tokenExchanger struct {
	client *http.Client
	now    func() time.Time
}

func newTokenExchanger(client *http.Client) *tokenExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &tokenExchanger{client: client, now: time.Now}
}

// exchangeCode は認可コードをトークンに交換する。
func (e *tokenExchanger) exchangeCode(ctx context.Context, p ProviderConfig, creds Credentials, code, verifier string) (*oauth2.Token, error) {
	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {creds.RedirectURI},
	}
	if verifier != "" {
		params.Set("code_verifier", verifier)
	}
	return e.requestToken(ctx, p, creds, p.TokenRequestStyle, params)
}

// requestToken はトークンエンドポイントへ指定形式でリクエストし、応答を*oauth2.Tokenに変換する。
// 応答の全フィールドはToken.Extraで参照できる。
func (e *tokenExchanger) requestToken(ctx context.Context, p ProviderConfig, creds Credentials, style TokenRequestStyle, params url.Values) (*oauth2.Token, error) {
	req, err := e.newTokenRequest(ctx, p, creds, style, params)
	if err != nil {
		return nil, &TokenExchangeError{Platform: p.Platform, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TokenExchangeError{Platform: p.Platform, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, &TokenExchangeError{Platform: p.Platform, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TokenExchangeError{Platform: p.Platform, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}

	raw, err := parseTokenResponse(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, &TokenExchangeError{Platform: p.Platform, StatusCode: resp.StatusCode, Body: truncateBody(body), Err: err}
	}

	token := &oauth2.Token{
		AccessToken:  stringField(raw, "access_token"),
		TokenType:    stringField(raw, "token_type"),
		RefreshToken: stringField(raw, "refresh_token"),
	}
	if token.AccessToken == "" {
		// 2xxでもエラー本文を返すプロバイダがあるため本文を残す
		return nil, &TokenExchangeError{Platform: p.Platform, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	if secs := intField(raw, "expires_in"); secs > 0 {
		token.Expiry = e.now().Add(time.Duration(secs) * time.Second)
	}

	return token.WithExtra(raw), nil
}

// newTokenRequest はリクエスト形式ごとに資格情報の載せ方を変えてリクエストを組み立てる。
func (e *tokenExchanger) newTokenRequest(ctx context.Context, p ProviderConfig, creds Credentials, style TokenRequestStyle, params url.Values) (*http.Request, error) {
	withCreds := func() url.Values {
		v := url.Values{}
		for k, vs := range params {
			v[k] = vs
		}
		v.Set(p.clientIDParam(), creds.ClientID)
		v.Set("client_secret", creds.ClientSecret)
		return v
	}

	switch style {
	case StyleQueryGET:
		u, err := url.Parse(p.TokenEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid token endpoint: %w", err)
		}
		q := u.Query()
		for k, vs := range withCreds() {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)

	case StyleFormPOST:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenEndpoint, strings.NewReader(withCreds().Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil

	case StyleJSONPOST:
		v := withCreds()
		payload := make(map[string]string, len(v))
		for k := range v {
			payload[k] = v.Get(k)
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal token request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenEndpoint, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	case StyleBasicAuthPOST:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenEndpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		// RFC 6749 2.3.1: 資格情報はフォームエンコードしてからBasic認証に載せる
		req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
		return req, nil

	default:
		return nil, fmt.Errorf("unknown token request style: %d", style)
	}
}

// parseTokenResponse はJSONまたはフォーム形式のトークン応答をmapに変換する。
// JSONの数値はjson.Numberのまま保持する。
func parseTokenResponse(contentType string, body []byte) (map[string]interface{}, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "text/plain" {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("failed to parse form token response: %w", err)
		}
		raw := make(map[string]interface{}, len(vals))
		for k := range vals {
			raw[k] = vals.Get(k)
		}
		return raw, nil
	}

	raw := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return raw, nil
}

// stringField はmapの値を文字列として返す。数値はそのまま文字列化する。
func stringField(raw map[string]interface{}, key string) string {
	return stringify(raw[key])
}

// intField はmapの値を整数として返す。変換できない場合は0。
func intField(raw map[string]interface{}, key string) int64 {
	switch v := raw[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case float64:
		return int64(v)
	}
	return 0
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
