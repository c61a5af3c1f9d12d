package market

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const DefaultFearGreedURL = "https://api.alternative.me"

type FearGreedIndex struct {
	Value          int
	Classification string
	Timestamp      time.Time
}

type fearGreedResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
		Timestamp           string `json:"timestamp"`
	} `json:"data"`
}

// FearGreedClient reads the crypto fear and greed index.
type FearGreedClient struct {
	req *requester
}

func NewFearGreedClient(baseURL string, opts ClientOptions, log *zap.Logger) *FearGreedClient {
	if baseURL == "" {
		baseURL = DefaultFearGreedURL
	}
	return &FearGreedClient{req: newRequester("feargreed", baseURL, opts, log)}
}

func (c *FearGreedClient) Index(ctx context.Context) (FearGreedIndex, error) {
	params := url.Values{}
	params.Set("limit", "1")
	params.Set("format", "json")
	var resp fearGreedResponse
	if err := c.req.getJSON(ctx, "/fng/", params, &resp); err != nil {
		return FearGreedIndex{}, fmt.Errorf("fear greed: %w", err)
	}
	if len(resp.Data) == 0 {
		return FearGreedIndex{}, errors.New("fear greed: empty response")
	}
	entry := resp.Data[0]
	value, err := strconv.Atoi(entry.Value)
	if err != nil {
		return FearGreedIndex{}, fmt.Errorf("fear greed: invalid value %q: %w", entry.Value, err)
	}
	out := FearGreedIndex{Value: value, Classification: entry.ValueClassification}
	if secs, err := strconv.ParseInt(entry.Timestamp, 10, 64); err == nil {
		out.Timestamp = time.Unix(secs, 0).UTC()
	}
	return out, nil
}
