package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/stream"
)

// GatewayClient invokes the AI model gateway. The gateway streams
// newline-delimited JSON content-part deltas; cancellation propagates
// through the request context.
type GatewayClient struct {
	baseURL string
	token   string
	model   string
	httpc   *http.Client
}

// NewGatewayClient creates a model gateway client.
func NewGatewayClient(baseURL, token, model string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		token:   token,
		model:   model,
		httpc: &http.Client{
			// No overall timeout: generations are long-lived and bounded
			// by the pipeline's own deadline via ctx.
			Timeout: 0,
		},
	}
}

type gatewayMessage struct {
	Role  models.Role   `json:"role"`
	Parts []models.Part `json:"parts"`
}

type gatewayRequest struct {
	Model    string           `json:"model"`
	Messages []gatewayMessage `json:"messages"`
	Stream   bool             `json:"stream"`
}

// Stream starts one generation on the gateway.
func (c *GatewayClient) Stream(ctx context.Context, req ModelRequest) (ModelStream, error) {
	body := gatewayRequest{Model: c.model, Stream: true}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, gatewayMessage{Role: m.Role, Parts: m.Parts})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("model gateway: %s: %s", resp.Status, bytes.TrimSpace(slurp))
	}

	return &gatewayStream{ctx: ctx, body: resp.Body}, nil
}

// gatewayStream parses the gateway's NDJSON delta stream into parts.
type gatewayStream struct {
	ctx      context.Context
	body     io.ReadCloser
	splitter stream.RecordSplitter
	queue    []json.RawMessage
	buf      [4096]byte
}

// Recv returns the next content-part delta. Records may arrive split
// across arbitrary read boundaries; the splitter reassembles them.
func (s *gatewayStream) Recv() (models.Part, error) {
	for len(s.queue) == 0 {
		n, err := s.body.Read(s.buf[:])
		if n > 0 {
			records, perr := s.splitter.Push(s.buf[:n])
			if perr != nil {
				return models.Part{}, perr
			}
			s.queue = append(s.queue, records...)
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return models.Part{}, s.ctx.Err()
			}
			if err == io.EOF {
				if len(s.queue) > 0 {
					break
				}
				// A buffered partial record at EOF means the gateway
				// stream was cut mid-record.
				if s.splitter.Pending() {
					return models.Part{}, fmt.Errorf("truncated gateway stream: partial record at end")
				}
			}
			return models.Part{}, err
		}
	}

	record := s.queue[0]
	s.queue = s.queue[1:]

	var part models.Part
	if err := json.Unmarshal(record, &part); err != nil {
		return models.Part{}, fmt.Errorf("malformed gateway delta: %w", err)
	}
	return part, nil
}

// Close releases the response body.
func (s *gatewayStream) Close() error {
	return s.body.Close()
}
