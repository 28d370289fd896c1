// Package misskey is a small client for the Misskey HTTP API.
//
// Every endpoint is a POST to {origin}/api/{endpoint} with a JSON body that
// carries the access token in the "i" field. Failures come back as an
// error envelope, decoded into *APIError.
package misskey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/daviddao/stationbot/pkg/model"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	URL        string
	Token      string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
}

// Client talks to one Misskey instance.
type Client struct {
	origin    string
	host      string
	token     string
	userAgent string
	hc        *http.Client
}

// New validates opts and returns a client.
func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.URL)
	if base == "" {
		return nil, errors.New("misskey: URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("misskey: invalid URL %q", base)
	}
	if opts.Token == "" {
		return nil, errors.New("misskey: token is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		to := opts.Timeout
		if to <= 0 {
			to = DefaultTimeout
		}
		hc = &http.Client{Timeout: to}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "stationbot"
	}
	return &Client{
		origin:    strings.TrimRight(base, "/"),
		host:      u.Hostname(),
		token:     opts.Token,
		userAgent: ua,
		hc:        hc,
	}, nil
}

// Host returns the instance hostname.
func (c *Client) Host() string { return c.host }

// APIError is a decoded Misskey error envelope.
type APIError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
	ID       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: http status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s, http %d)", e.Endpoint, e.Message, e.Code, e.Status)
}

// RateLimited reports whether the server rejected the call for rate.
func (e *APIError) RateLimited() bool {
	return e.Code == "RATE_LIMIT_EXCEEDED" || e.Status == http.StatusTooManyRequests
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		ID      string `json:"id"`
	} `json:"error"`
}

// call posts body (with the token added) and decodes the response into out.
// out may be nil.
func (c *Client) call(ctx context.Context, endpoint string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["i"] = c.token
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+"/api/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.ID = env.Error.ID
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

type apiUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      *string   `json:"name"`
	Host      *string   `json:"host"`
	IsBot     bool      `json:"isBot"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u apiUser) candidate() model.Candidate {
	c := model.Candidate{
		ID:        u.ID,
		ActorID:   u.ID,
		Label:     u.Username,
		IsBot:     u.IsBot,
		CreatedAt: u.CreatedAt,
	}
	if u.Host != nil {
		c.Host = *u.Host
	}
	return c
}

// I returns the account that owns the token.
func (c *Client) I(ctx context.Context) (model.Identity, error) {
	var u apiUser
	if err := c.call(ctx, "i", nil, &u); err != nil {
		return model.Identity{}, err
	}
	if u.ID == "" {
		return model.Identity{}, errors.New("i: response has no id")
	}
	return model.Identity{ID: u.ID, Username: u.Username}, nil
}

// UsersQuery selects a page of the user directory.
type UsersQuery struct {
	Limit  int
	Origin string // "local", "remote" or "combined"
	State  string // "all", "alive", ...
	Sort   string // optional, e.g. "+createdAt"
}

// Users returns one page of users as stream candidates.
func (c *Client) Users(ctx context.Context, q UsersQuery) ([]model.Candidate, error) {
	body := map[string]any{"limit": q.Limit}
	if q.Origin != "" {
		body["origin"] = q.Origin
	}
	if q.State != "" {
		body["state"] = q.State
	}
	if q.Sort != "" {
		body["sort"] = q.Sort
	}
	var users []apiUser
	if err := c.call(ctx, "users", body, &users); err != nil {
		return nil, err
	}
	out := make([]model.Candidate, 0, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		out = append(out, u.candidate())
	}
	return out, nil
}

type apiNote struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UserID    string    `json:"userId"`
	User      apiUser   `json:"user"`
	Text      *string   `json:"text"`
	ReplyID   *string   `json:"replyId"`
	RenoteID  *string   `json:"renoteId"`
}

func (n apiNote) note() model.Note {
	out := model.Note{
		ID:        n.ID,
		ActorID:   n.UserID,
		Username:  n.User.Username,
		IsBot:     n.User.IsBot,
		IsReply:   n.ReplyID != nil && *n.ReplyID != "",
		CreatedAt: n.CreatedAt,
	}
	if out.ActorID == "" {
		out.ActorID = n.User.ID
	}
	if out.Username == "" {
		out.Username = "(unknown)"
	}
	if n.User.Name != nil {
		out.DisplayName = *n.User.Name
	}
	if n.User.Host != nil {
		out.Host = *n.User.Host
	}
	// A renote with its own text is a quote and counts as a regular note.
	out.IsRenote = n.RenoteID != nil && *n.RenoteID != "" && (n.Text == nil || *n.Text == "")
	return out
}

// LocalTimeline returns one page of the local timeline, newest first.
func (c *Client) LocalTimeline(ctx context.Context, q model.PageQuery) ([]model.Note, error) {
	body := map[string]any{
		"limit":        q.Limit,
		"withReplies":  q.WithReplies,
		"withRenotes":  q.WithRenotes,
		"allowPartial": false,
	}
	if !q.SinceDate.IsZero() {
		body["sinceDate"] = q.SinceDate.UnixMilli()
	}
	if !q.UntilDate.IsZero() {
		body["untilDate"] = q.UntilDate.UnixMilli()
	}
	if q.UntilID != "" {
		body["untilId"] = q.UntilID
	}
	var notes []apiNote
	if err := c.call(ctx, "notes/local-timeline", body, &notes); err != nil {
		return nil, err
	}
	out := make([]model.Note, len(notes))
	for i, n := range notes {
		out[i] = n.note()
	}
	return out, nil
}

// Visibility values accepted by notes/create.
const (
	Public    = "public"
	Home      = "home"
	Followers = "followers"
)

// CreateNote posts text and returns the new note's ID.
func (c *Client) CreateNote(ctx context.Context, text, visibility string) (string, error) {
	if visibility == "" {
		visibility = Public
	}
	var res struct {
		CreatedNote struct {
			ID string `json:"id"`
		} `json:"createdNote"`
	}
	if err := c.call(ctx, "notes/create", map[string]any{"text": text, "visibility": visibility}, &res); err != nil {
		return "", err
	}
	return res.CreatedNote.ID, nil
}
