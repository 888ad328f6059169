package reputation

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/models"
)

func newTestProvider(t *testing.T, geoURL, abuseURL, abuseKey string) *HTTPProvider {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewHTTPProvider(config.ReputationConfig{
		ProviderTimeout: 2 * time.Second,
		GeoAPIURL:       geoURL,
		AbuseAPIURL:     abuseURL,
		AbuseAPIKey:     abuseKey,
		MaliciousScore:  80,
	}, logger)
}

func TestLookupMergesGeoAndAbuseData(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/203.0.113.5", r.URL.Path)
		w.Write([]byte(`{"status":"success","countryCode":"NL","city":"Amsterdam","lat":52.37,"lon":4.89,"proxy":true,"hosting":false}`))
	}))
	defer geo.Close()

	abuse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Key"))
		assert.Equal(t, "203.0.113.5", r.URL.Query().Get("ipAddress"))
		w.Write([]byte(`{"data":{"abuseConfidenceScore":85,"isTor":true,"totalReports":42}}`))
	}))
	defer abuse.Close()

	provider := newTestProvider(t, geo.URL, abuse.URL, "test-key")

	record, err := provider.Lookup(context.Background(), "203.0.113.5")
	require.NoError(t, err)

	assert.Equal(t, "NL", record.CountryCode)
	assert.Equal(t, "Amsterdam", record.City)
	assert.True(t, record.IsProxy)
	assert.False(t, record.IsVPN)
	assert.Equal(t, 85, record.Score)
	assert.True(t, record.IsTor)
	assert.True(t, record.IsMalicious, "score at or above the malicious threshold flags the IP")
}

func TestLookupSkipsAbuseWithoutAPIKey(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"success","countryCode":"US","city":"Ashburn","hosting":true}`))
	}))
	defer geo.Close()

	provider := newTestProvider(t, geo.URL, "http://unreachable.invalid", "")

	record, err := provider.Lookup(context.Background(), "203.0.113.5")
	require.NoError(t, err)

	assert.True(t, record.IsVPN, "hosting flag maps to VPN")
	assert.Zero(t, record.Score)
	assert.False(t, record.IsMalicious)
}

func TestLookupFailsOnGeoError(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer geo.Close()

	provider := newTestProvider(t, geo.URL, "", "")

	_, err := provider.Lookup(context.Background(), "203.0.113.5")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestLookupFailsOnAbuseServerError(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"success","countryCode":"US"}`))
	}))
	defer geo.Close()

	abuse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer abuse.Close()

	provider := newTestProvider(t, geo.URL, abuse.URL, "test-key")

	_, err := provider.Lookup(context.Background(), "203.0.113.5")
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}
