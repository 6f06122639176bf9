package ondus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// formLogin runs the vendor's interactive login flow: fetch the login page,
// post the credentials to the form action, then follow the ondus:// redirect
// to the token exchange endpoint. Structural failures (missing form, missing
// redirect, rejected password) are fatal AuthError{Unauthenticated}; plain
// transport failures bubble up as transient errors for the retry loop.
func (s *Session) formLogin(ctx context.Context, username, password string) (*Credential, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: err}
	}

	// Cookie-carrying copy of the injected client that does not follow the
	// post-login redirect, since its Location is an ondus:// URL.
	client := *s.http
	client.Jar = jar
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	loginURL := s.baseURL + "oidc/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching login page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login page returned status %d", resp.StatusCode)
	}

	action, err := loginFormAction(resp)
	if err != nil {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: err}
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: err}
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postReq.Header.Set("Origin", strings.TrimSuffix(s.baseURL, "/"))
	postReq.Header.Set("Referer", loginURL)
	postReq.Header.Set("X-Requested-With", "XMLHttpRequest")

	postResp, err := client.Do(postReq)
	if err != nil {
		return nil, fmt.Errorf("posting login form: %w", err)
	}
	defer postResp.Body.Close()

	location := postResp.Header.Get("Location")
	if location == "" {
		return nil, &AuthError{
			Kind: AuthUnauthenticated,
			Err:  fmt.Errorf("login form post returned status %d without redirect (wrong credentials?)", postResp.StatusCode),
		}
	}
	// The IdP hands back an app-scheme URL; the token endpoint is the same
	// path over https.
	tokenURL := strings.Replace(location, "ondus://", "https://", 1)

	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: err}
	}
	tokenResp, err := client.Do(tokenReq)
	if err != nil {
		return nil, fmt.Errorf("fetching token after login: %w", err)
	}
	defer tokenResp.Body.Close()
	if tokenResp.StatusCode != http.StatusOK {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: fmt.Errorf("token exchange returned status %d", tokenResp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(tokenResp.Body).Decode(&tr); err != nil {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: fmt.Errorf("malformed token exchange response: %w", err)}
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, &AuthError{Kind: AuthUnauthenticated, Err: fmt.Errorf("token exchange response carried no tokens")}
	}
	return tr.credential(s.now()), nil
}

// loginFormAction extracts the action URL of the first form on the login
// page, resolved against the page URL.
func loginFormAction(resp *http.Response) (string, error) {
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing login page: %w", err)
	}

	var action string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "form" {
			for _, attr := range n.Attr {
				if attr.Key == "action" {
					action = attr.Val
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	if !walk(doc) || action == "" {
		return "", fmt.Errorf("login page contains no form action")
	}

	ref, err := url.Parse(action)
	if err != nil {
		return "", fmt.Errorf("invalid form action %q: %w", action, err)
	}
	return resp.Request.URL.ResolveReference(ref).String(), nil
}
