package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-dca/internal/worker"
)

func testQuoteRequest() *worker.QuoteRequest {
	return &worker.QuoteRequest{
		TokenFrom: "0xusdc",
		TokenTo:   "0xweth",
		Amount:    "100000",
		Wallet:    "0xabc",
	}
}

func TestAggregatorClient_Quote(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"tx": {
				"to": "0xrouter",
				"data": "0xdeadbeef",
				"value": "1000",
				"gas": 210000
			},
			"dstAmount": "42"
		}`))
	}))
	defer server.Close()

	c := NewAggregatorClient(&AggregatorClientConfig{
		BaseURL:  server.URL,
		APIKey:   "test-key",
		ChainID:  8453,
		Slippage: "1",
	})

	payload, err := c.Quote(context.Background(), testQuoteRequest())
	require.NoError(t, err)

	assert.Equal(t, "/swap/v6.0/8453/swap", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, []string{"0xusdc"}, gotQuery["src"])
	assert.Equal(t, []string{"0xweth"}, gotQuery["dst"])
	assert.Equal(t, []string{"100000"}, gotQuery["amount"])
	assert.Equal(t, []string{"0xabc"}, gotQuery["from"])

	assert.Equal(t, "0xrouter", payload.To)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, payload.CallData)
	assert.Equal(t, "1000", payload.Value.String())
	assert.Equal(t, uint64(210000), payload.EstimatedGas)
}

func TestAggregatorClient_Quote_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Bad Request","description":"insufficient liquidity"}`))
	}))
	defer server.Close()

	c := NewAggregatorClient(&AggregatorClientConfig{
		BaseURL: server.URL,
		ChainID: 8453,
	})

	_, err := c.Quote(context.Background(), testQuoteRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient liquidity")
}

func TestAggregatorClient_Quote_EmptyTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx":{"to":"","data":""}}`))
	}))
	defer server.Close()

	c := NewAggregatorClient(&AggregatorClientConfig{
		BaseURL: server.URL,
		ChainID: 8453,
	})

	_, err := c.Quote(context.Background(), testQuoteRequest())
	assert.Error(t, err)
}

func TestAggregatorClient_Quote_BadCallData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx":{"to":"0xrouter","data":"0xzz"}}`))
	}))
	defer server.Close()

	c := NewAggregatorClient(&AggregatorClientConfig{
		BaseURL: server.URL,
		ChainID: 8453,
	})

	_, err := c.Quote(context.Background(), testQuoteRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode calldata")
}

func TestMockQuoteProvider(t *testing.T) {
	p := &MockQuoteProvider{}
	payload, err := p.Quote(context.Background(), testQuoteRequest())
	require.NoError(t, err)
	assert.Equal(t, "0xweth", payload.To)
	assert.NotEmpty(t, payload.CallData)
}
