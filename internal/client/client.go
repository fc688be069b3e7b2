// Package client provides a Go client for the newsboard API.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alphabot-ai/newsboard/internal/model"
)

// Client is a newsboard API client. Header is sent with every request.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	User       string
	Header     http.Header
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Header:     http.Header{},
	}
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// Register creates an account.
func (c *Client) Register(username, password string) error {
	return c.doRequest(http.MethodPost, "/api/accounts", map[string]string{"username": username, "password": password}, nil)
}

// Login stores a session token on the client.
func (c *Client) Login(username, password string) error {
	var result struct {
		Token string `json:"token"`
		User  string `json:"user"`
	}
	if err := c.doRequest(http.MethodPost, "/api/login", map[string]string{"username": username, "password": password}, &result); err != nil {
		return err
	}
	c.Token = result.Token
	c.User = result.User
	return nil
}

// RegisterAndLogin registers the account if needed and logs in.
func (c *Client) RegisterAndLogin(username, password string) error {
	if err := c.Register(username, password); err != nil && StatusOf(err) != http.StatusConflict {
		return err
	}
	return c.Login(username, password)
}

func (c *Client) Logout() error {
	err := c.doRequest(http.MethodPost, "/api/logout", nil, nil)
	if err == nil {
		c.Token = ""
	}
	return err
}

func (c *Client) submit(body map[string]any) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	if err := c.doRequest(http.MethodPost, "/api/items", body, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// PostStory submits a link or text story.
func (c *Client) PostStory(title, link, text string) (int64, error) {
	body := map[string]any{"type": model.TypeStory, "title": title}
	if link != "" {
		body["url"] = link
	}
	if text != "" {
		body["text"] = text
	}
	return c.submit(body)
}

// PostComment replies to a story, poll, comment or poll option.
func (c *Client) PostComment(parent int64, text string) (int64, error) {
	return c.submit(map[string]any{"type": model.TypeComment, "parent": parent, "text": text})
}

func (c *Client) PostPoll(title string, options []string) (int64, []int64, error) {
	var result struct {
		ID    int64   `json:"id"`
		Parts []int64 `json:"parts"`
	}
	err := c.doRequest(http.MethodPost, "/api/polls", map[string]any{"title": title, "options": options}, &result)
	return result.ID, result.Parts, err
}

func (c *Client) Vote(id int64, dir model.Direction) error {
	return c.doRequest(http.MethodPost, itemPath(id, "/vote"), map[string]any{"dir": dir}, nil)
}

func (c *Client) Flag(id int64) error {
	return c.doRequest(http.MethodPost, itemPath(id, "/flag"), nil, nil)
}

func (c *Client) Kill(id int64) error {
	return c.doRequest(http.MethodPost, itemPath(id, "/kill"), nil, nil)
}

func (c *Client) Delete(id int64) error {
	return c.doRequest(http.MethodDelete, itemPath(id, ""), nil, nil)
}

func (c *Client) Edit(id int64, title, text string) error {
	return c.doRequest(http.MethodPut, itemPath(id, ""), map[string]any{"title": title, "text": text}, nil)
}

func (c *Client) GetItem(id int64) (*model.Item, error) {
	var it model.Item
	if err := c.doRequest(http.MethodGet, itemPath(id, ""), nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (c *Client) Subtree(id int64) ([]int64, error) {
	var result struct {
		IDs []int64 `json:"ids"`
	}
	err := c.doRequest(http.MethodGet, itemPath(id, "/subtree"), nil, &result)
	return result.IDs, err
}

// Listing fetches one page of a named listing (newest, best, active, ...).
func (c *Client) Listing(name string, page int) ([]model.Item, error) {
	var result struct {
		Items []model.Item `json:"items"`
	}
	path := "/api/listings/" + url.PathEscape(name) + "?page=" + strconv.Itoa(page)
	if err := c.doRequest(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// User is the public view of a profile.
type User struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Created   int64   `json:"created"`
	Karma     float64 `json:"karma"`
	Avg       float64 `json:"avg"`
	Submitted []int64 `json:"submitted"`
}

func (c *Client) GetUser(id string) (*User, error) {
	var u User
	if err := c.doRequest(http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Leaders(page int) ([]User, error) {
	var result struct {
		Users []User `json:"users"`
	}
	err := c.doRequest(http.MethodGet, "/api/leaders?page="+strconv.Itoa(page), nil, &result)
	return result.Users, err
}

// BanIP bans an ip or CIDR block; needs an editor session.
func (c *Client) BanIP(target string, kind model.BanKind, info string) error {
	return c.doRequest(http.MethodPost, "/api/admin/ban-ip", map[string]any{"target": target, "ban": kind, "info": info}, nil)
}

func (c *Client) BanSite(target string, kind model.BanKind, info string) error {
	return c.doRequest(http.MethodPost, "/api/admin/ban-site", map[string]any{"target": target, "ban": kind, "info": info}, nil)
}

func (c *Client) SetScrubRules(rules []model.ScrubRule) error {
	return c.doRequest(http.MethodPut, "/api/admin/scrub", map[string]any{"rules": rules}, nil)
}

func itemPath(id int64, suffix string) string {
	return "/api/items/" + strconv.FormatInt(id, 10) + suffix
}
