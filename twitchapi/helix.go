// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution and live stream lookup, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// helixMaxRetries is the attempt budget for transient (429/5xx) failures.
const helixMaxRetries = 3

var helixBaseBackoff = 250 * time.Millisecond

// HelixClient provides the Helix lookups needed to follow a live channel.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Stream is a live broadcast as reported by /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount uint64    `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	Language    string    `json:"language"`
}

// User is a channel as reported by /helix/users.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUser resolves a login name to its user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// GetStreams returns the live streams for login. An empty slice means the
// channel is offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", url.Values{"user_login": {login}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// get performs an authenticated Helix GET. 429 and 5xx responses are retried
// with backoff; a 401 forces one token refresh and earns one extra attempt.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if hc.AppTokenSource == nil {
		return fmt.Errorf("twitch app token source not configured")
	}
	attempts := helixMaxRetries
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
			if !sleepCtx(ctx, backoffFor(attempt, "")) {
				return ctx.Err()
			}
			continue
		}
		status := resp.StatusCode
		if status == http.StatusOK {
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryAfter := resp.Header.Get("Retry-After")
		closeBody(resp)
		lastErr = fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			attempts++
			hc.AppTokenSource.Invalidate()
			slog.Info("helix token rejected, refreshing", slog.String("path", path))
			continue
		case status == http.StatusTooManyRequests || status >= 500:
			if attempt < attempts && !sleepCtx(ctx, backoffFor(attempt, retryAfter)) {
				return ctx.Err()
			}
			continue
		default:
			return lastErr
		}
	}
	return lastErr
}

func backoffFor(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return helixBaseBackoff * time.Duration(1<<(attempt-1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
