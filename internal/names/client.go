package names

import (
	"context"
	"net/url"
	"strings"

	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/httpx"
)

const defaultBase = "https://api.nameflow.xyz"

// Client reads the registry API over HTTP.
type Client struct {
	http    *httpx.Client
	baseURL string
}

func NewClient(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBase
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) Lookup(ctx context.Context, name string) (Info, error) {
	normalized, err := Normalize(name)
	if err != nil {
		return Info{}, err
	}
	var info Info
	lookupURL := c.baseURL + "/v1/names/" + url.PathEscape(normalized)
	if _, err := httpx.GetJSON(ctx, c.http, lookupURL, &info); err != nil {
		return Info{}, err
	}
	if strings.TrimSpace(info.PriceWeiPerYear) == "" {
		return Info{}, nferr.New(nferr.CodeUnavailable, "registry response missing price")
	}
	info.Name = normalized
	return info, nil
}
