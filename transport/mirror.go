package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/linkedout-ai/agent-commerce/types"
)

// HistoryOptions narrow a historical query.
type HistoryOptions struct {
	// Limit caps the number of returned messages; 0 means DefaultHistoryLimit.
	Limit int
	// FromSequence returns only messages at or above this sequence number.
	FromSequence uint64
}

// DefaultHistoryLimit is the mirror query page size used when none is given.
const DefaultHistoryLimit = 100

// HistoricalMessage is one decoded entry from the mirror.
type HistoricalMessage struct {
	Envelope           types.Envelope
	SequenceNumber     uint64
	ConsensusTimestamp string
}

// Mirror reads committed log history from a mirror REST endpoint. It serves
// recovery and audit; live delivery always goes through Subscribe.
type Mirror struct {
	baseURL string
	topicID string
	client  *http.Client
}

// NewMirror creates a mirror client for one topic.
func NewMirror(baseURL, topicID string) *Mirror {
	return &Mirror{
		baseURL: baseURL,
		topicID: topicID,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type mirrorResponse struct {
	Messages []mirrorMessage `json:"messages"`
}

type mirrorMessage struct {
	Message            string `json:"message"`
	SequenceNumber     uint64 `json:"sequence_number"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
}

// Messages fetches historical messages, oldest first. Entries whose payload
// does not decode as an envelope are skipped rather than failing the query.
func (m *Mirror) Messages(ctx context.Context, opts HistoryOptions) ([]HistoricalMessage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	if opts.FromSequence > 0 {
		q.Set("sequencenumber", fmt.Sprintf("gte:%d", opts.FromSequence))
	}

	endpoint := fmt.Sprintf("%s/api/v1/topics/%s/messages?%s", m.baseURL, m.topicID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build mirror request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query mirror: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mirror returned status %d", resp.StatusCode)
	}

	var body mirrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode mirror response: %w", err)
	}

	out := make([]HistoricalMessage, 0, len(body.Messages))
	for _, msg := range body.Messages {
		raw, err := base64.StdEncoding.DecodeString(msg.Message)
		if err != nil {
			continue
		}
		env, err := types.Decode(raw)
		if err != nil {
			continue
		}
		out = append(out, HistoricalMessage{
			Envelope:           env,
			SequenceNumber:     msg.SequenceNumber,
			ConsensusTimestamp: msg.ConsensusTimestamp,
		})
	}
	return out, nil
}
