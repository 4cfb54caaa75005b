package social

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
)

// stateSeparator はstate文字列の区切り文字。
// 分割したときインデックス1がユーザーIDになる。
const stateSeparator = "_"

// nonceBytes はnonceの乱数バイト数。
const nonceBytes = 16

// StateClaims はstate文字列から取り出した値。
type StateClaims struct {
	Nonce     string
	UserID    string
	ExpiresAt time.Time
}

// StateCodec はOAuthのstate値を生成・検証する。
// 形式は {nonce}_{userId}_{expiryUnix}_{signature} で、署名はプラットフォームを含めた
// HMAC-SHA256のため、別プラットフォームのコールバックに流用できない。
type StateCodec struct {
	secret []byte
	now    func() time.Time
}

// NewStateCodec はStateCodecを生成する。
func NewStateCodec(secret []byte) *StateCodec {
	return &StateCodec{secret: secret, now: time.Now}
}

// newNonce は16バイトの乱数を16進文字列で返す。
func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Encode はstate文字列を生成する。
func (c *StateCodec) Encode(platform model.Platform, nonce, userID string, expiresAt time.Time) (string, error) {
	if nonce == "" || userID == "" {
		return "", fmt.Errorf("nonce and user ID are required")
	}
	if strings.Contains(nonce, stateSeparator) || strings.Contains(userID, stateSeparator) {
		return "", fmt.Errorf("nonce and user ID must not contain %q", stateSeparator)
	}

	expiry := strconv.FormatInt(expiresAt.Unix(), 10)
	sig := c.sign(platform, nonce, userID, expiry)
	return strings.Join([]string{nonce, userID, expiry, sig}, stateSeparator), nil
}

// Decode はstate文字列を検証して値を取り出す。
// 形式不正・署名不一致・期限切れはすべて*InvalidStateErrorとなる。
func (c *StateCodec) Decode(platform model.Platform, state string) (*StateClaims, error) {
	if state == "" {
		return nil, &InvalidStateError{Reason: "state is empty"}
	}

	parts := strings.Split(state, stateSeparator)
	if len(parts) != 4 {
		return nil, &InvalidStateError{Reason: "malformed state"}
	}
	nonce, userID, expiry, sig := parts[0], parts[1], parts[2], parts[3]
	if nonce == "" || userID == "" {
		return nil, &InvalidStateError{Reason: "nonce or user segment is empty"}
	}

	expected := c.sign(platform, nonce, userID, expiry)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, &InvalidStateError{Reason: "signature mismatch"}
	}

	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return nil, &InvalidStateError{Reason: "malformed expiry"}
	}
	expiresAt := time.Unix(unix, 0)
	if !c.now().Before(expiresAt) {
		return nil, &InvalidStateError{Reason: "state expired"}
	}

	return &StateClaims{Nonce: nonce, UserID: userID, ExpiresAt: expiresAt}, nil
}

func (c *StateCodec) sign(platform model.Platform, nonce, userID, expiry string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(string(platform)))
	mac.Write([]byte{0})
	mac.Write([]byte(strings.Join([]string{nonce, userID, expiry}, stateSeparator)))
	return hex.EncodeToString(mac.Sum(nil))
}
