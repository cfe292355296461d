package session

import (
	"net/http"
	"time"
)

// CookieName はセッショントークンを格納するCookie名。
const CookieName = "session_token"

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
}

// SetCookie はセッショントークンをHTTP Only Cookieとして書き込む。
func (c CookieConfig) SetCookie(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie はセッションCookieを削除する。
func (c CookieConfig) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest はリクエストからセッションCookieの値を取り出す。
func FromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Issuer はTokenをエンコードしてCookieに書き込む。
type Issuer struct {
	Codec  *Codec
	Cookie CookieConfig
}

// Issue はTokenを署名してセッションCookieを書き込む。
func (i *Issuer) Issue(w http.ResponseWriter, tok *Token) error {
	raw, err := i.Codec.Encode(tok)
	if err != nil {
		return err
	}
	i.Cookie.SetCookie(w, raw, i.Codec.MaxAge())
	return nil
}

// Clear はセッションCookieを削除する。
func (i *Issuer) Clear(w http.ResponseWriter) {
	i.Cookie.ClearCookie(w)
}

// Read はリクエストのセッションCookieを検証してTokenを返す。
// Cookieがない場合はErrInvalidSessionを返す。
func (i *Issuer) Read(r *http.Request) (*Token, error) {
	raw, ok := FromRequest(r)
	if !ok {
		return nil, ErrInvalidSession
	}
	return i.Codec.Decode(raw)
}
