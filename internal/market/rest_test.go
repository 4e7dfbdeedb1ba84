package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTSourceFetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Api-Key"))
		sym := r.URL.Query().Get("symbol")
		fmt.Fprintf(w, `{"data":{"symbol":%q,"last":"45123.5","mark":45120.0}}`, sym)
	}))
	defer srv.Close()

	s, err := NewRESTSource(RESTConfig{
		Name:        "backup",
		URLTemplate: srv.URL + "?symbol={symbol}",
		PricePath:   "data.last",
		MarkPath:    "data.mark",
		Headers:     map[string]string{"X-Api-Key": "token"},
	})
	require.NoError(t, err)

	q, err := s.FetchQuote(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, 45123.5, q.Price)
	assert.Equal(t, 45120.0, q.MarkPrice)
	assert.Equal(t, "backup", q.Source)
}

func TestRESTSourceErrors(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		s, err := NewRESTSource(RESTConfig{URLTemplate: srv.URL, PricePath: "price"})
		require.NoError(t, err)
		_, err = s.FetchQuote(context.Background(), "BTCUSDT")
		require.Error(t, err)
		assert.EqualValues(t, 1, s.Stats().Failures)
		assert.Contains(t, s.Stats().LastError, "502")
	})

	t.Run("price path missing", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"something":"else"}`)
		}))
		defer srv.Close()

		s, err := NewRESTSource(RESTConfig{URLTemplate: srv.URL, PricePath: "data.last"})
		require.NoError(t, err)
		_, err = s.FetchQuote(context.Background(), "BTCUSDT")
		assert.Error(t, err)
	})

	t.Run("empty symbol", func(t *testing.T) {
		s, err := NewRESTSource(RESTConfig{URLTemplate: "http://localhost", PricePath: "p"})
		require.NoError(t, err)
		_, err = s.FetchQuote(context.Background(), "  ")
		assert.Error(t, err)
	})
}

func TestNewRESTSourceValidation(t *testing.T) {
	_, err := NewRESTSource(RESTConfig{PricePath: "p"})
	assert.Error(t, err)
	_, err = NewRESTSource(RESTConfig{URLTemplate: "http://x"})
	assert.Error(t, err)
}
