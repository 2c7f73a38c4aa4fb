package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a Flow Access REST API client covering the two calls the
// indexer needs: the sealed chain head and ranged event queries for
// catch-up.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the given access-node base URL, e.g.
// "https://rest-testnet.onflow.org".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// restBlock mirrors the relevant slice of the access API block resource.
type restBlock struct {
	Header struct {
		Height    string    `json:"height"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"header"`
}

// restBlockEvents mirrors one entry of the access API events response.
type restBlockEvents struct {
	BlockHeight    string    `json:"block_height"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	Events         []struct {
		Type    string `json:"type"`
		Payload string `json:"payload"` // base64 JSON-Cadence
	} `json:"events"`
}

// LatestBlockHeight returns the height of the latest sealed block.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var blocks []restBlock
	if err := c.get(ctx, "/v1/blocks?height=sealed", &blocks); err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, fmt.Errorf("flow: sealed block query returned no blocks")
	}
	height, err := strconv.ParseUint(blocks[0].Header.Height, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("flow: parse block height %q: %w", blocks[0].Header.Height, err)
	}
	return height, nil
}

// EventsInRange returns all events of the given type in [start, end],
// ascending by height. The access API caps ranges at 250 blocks, so large
// gaps are fetched in pages.
func (c *Client) EventsInRange(ctx context.Context, eventType string, start, end uint64) ([]Event, error) {
	const maxRange = 250

	var events []Event
	for from := start; from <= end; from += maxRange {
		to := from + maxRange - 1
		if to > end {
			to = end
		}

		path := fmt.Sprintf("/v1/events?type=%s&start_height=%d&end_height=%d",
			url.QueryEscape(eventType), from, to)

		var blocks []restBlockEvents
		if err := c.get(ctx, path, &blocks); err != nil {
			return nil, err
		}

		for _, blk := range blocks {
			height, err := strconv.ParseUint(blk.BlockHeight, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("flow: parse event block height %q: %w", blk.BlockHeight, err)
			}
			ts := blk.BlockTimestamp.UnixMilli()
			for _, raw := range blk.Events {
				data, err := DecodePayload(raw.Payload)
				if err != nil {
					return nil, fmt.Errorf("flow: decode event payload at height %d: %w", height, err)
				}
				events = append(events, Event{
					Type:      raw.Type,
					Height:    height,
					Timestamp: ts,
					Data:      data,
				})
			}
		}
	}
	return events, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("flow: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flow: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("flow: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flow: %s: status %d: %s", path, resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("flow: decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// DecodePayload converts a base64 JSON-Cadence event payload into a flat
// JSON object mapping field names to their primitive values.
func DecodePayload(encoded string) (json.RawMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return FlattenCadence(raw)
}

// cadenceValue is the recursive JSON-Cadence value encoding.
type cadenceValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// cadenceComposite is the value of an Event/Struct cadence type.
type cadenceComposite struct {
	ID     string `json:"id"`
	Fields []struct {
		Name  string       `json:"name"`
		Value cadenceValue `json:"value"`
	} `json:"fields"`
}

// FlattenCadence reduces a JSON-Cadence event document to a flat JSON
// object of field name → primitive. Numeric cadence types stay strings so
// fixed-point amounts keep full precision.
func FlattenCadence(raw []byte) (json.RawMessage, error) {
	var root cadenceValue
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("json-cadence: %w", err)
	}
	if root.Type != "Event" {
		return nil, fmt.Errorf("json-cadence: expected Event, got %q", root.Type)
	}

	var composite cadenceComposite
	if err := json.Unmarshal(root.Value, &composite); err != nil {
		return nil, fmt.Errorf("json-cadence: event body: %w", err)
	}

	flat := make(map[string]any, len(composite.Fields))
	for _, field := range composite.Fields {
		v, err := flattenValue(field.Value)
		if err != nil {
			return nil, fmt.Errorf("json-cadence: field %s: %w", field.Name, err)
		}
		flat[field.Name] = v
	}

	out, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("json-cadence: re-encode: %w", err)
	}
	return out, nil
}

func flattenValue(v cadenceValue) (any, error) {
	switch v.Type {
	case "Optional":
		if string(v.Value) == "null" {
			return nil, nil
		}
		var inner cadenceValue
		if err := json.Unmarshal(v.Value, &inner); err != nil {
			return nil, err
		}
		return flattenValue(inner)
	case "Bool":
		var b bool
		err := json.Unmarshal(v.Value, &b)
		return b, err
	default:
		// Address, String, and every numeric/fixed-point type are encoded
		// as JSON strings.
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return nil, fmt.Errorf("unsupported cadence type %q", v.Type)
		}
		return s, nil
	}
}
