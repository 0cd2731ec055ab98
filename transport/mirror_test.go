package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linkedout-ai/agent-commerce/types"
)

func TestMirrorMessages(t *testing.T) {
	env := types.NewOffer(types.AgentBuyer, types.AgentSeller, types.OfferPayload{
		Item:      "widgets",
		Qty:       10,
		UnitPrice: 75,
		Currency:  "HBAR",
	})
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"message":             base64.StdEncoding.EncodeToString(data),
					"sequence_number":     7,
					"consensus_timestamp": "1700000000.000000001",
				},
				{
					// Not an envelope; must be skipped, not fatal.
					"message":             base64.StdEncoding.EncodeToString([]byte("garbage")),
					"sequence_number":     8,
					"consensus_timestamp": "1700000000.000000002",
				},
			},
		})
	}))
	defer srv.Close()

	mirror := NewMirror(srv.URL, "0.0.1234")
	msgs, err := mirror.Messages(context.Background(), HistoryOptions{Limit: 25, FromSequence: 7})
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}

	if gotPath != "/api/v1/topics/0.0.1234/messages" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotQuery != "limit=25&sequencenumber=gte%3A7" {
		t.Errorf("unexpected query: %s", gotQuery)
	}

	if len(msgs) != 1 {
		t.Fatalf("expected 1 decoded message, got %d", len(msgs))
	}
	if msgs[0].Envelope.ID != env.ID {
		t.Errorf("decoded wrong envelope: %s", msgs[0].Envelope.ID)
	}
	if msgs[0].SequenceNumber != 7 {
		t.Errorf("expected sequence 7, got %d", msgs[0].SequenceNumber)
	}
	if msgs[0].ConsensusTimestamp != "1700000000.000000001" {
		t.Errorf("unexpected timestamp: %s", msgs[0].ConsensusTimestamp)
	}
}

func TestMirrorMessagesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	mirror := NewMirror(srv.URL, "0.0.1234")
	if _, err := mirror.Messages(context.Background(), HistoryOptions{}); err == nil {
		t.Error("expected error on non-200 response")
	}
}

func TestTransportWithoutMirrorRejectsHistory(t *testing.T) {
	log := NewMemoryLog()
	defer log.Close()
	tp := newTestTransport(t, log)

	if _, err := tp.GetHistoricalMessages(context.Background(), HistoryOptions{}); err == nil {
		t.Error("expected error when no mirror is configured")
	}
}
