package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/models"
)

// Provider fetches a reputation record for an IP from an external source.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*models.ReputationRecord, error)
}

// geoResponse is the subset of the ip-api.com JSON payload we consume.
type geoResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
}

// abuseResponse is the subset of the AbuseIPDB check payload we consume.
type abuseResponse struct {
	Data struct {
		AbuseConfidenceScore int  `json:"abuseConfidenceScore"`
		IsTor                bool `json:"isTor"`
		TotalReports         int  `json:"totalReports"`
	} `json:"data"`
}

// HTTPProvider merges geolocation data from ip-api with abuse intelligence
// from AbuseIPDB into a single record. Either source failing fails the whole
// lookup; the cache layer decides how to degrade.
type HTTPProvider struct {
	client         *http.Client
	geoURL         string
	abuseURL       string
	abuseKey       string
	maliciousScore int
	logger         *slog.Logger
}

// NewHTTPProvider builds the provider from reputation config. AbuseIPDB is
// optional: without an API key the record carries geolocation only and a
// zero score.
func NewHTTPProvider(cfg config.ReputationConfig, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		client:         &http.Client{Timeout: cfg.ProviderTimeout},
		geoURL:         cfg.GeoAPIURL,
		abuseURL:       cfg.AbuseAPIURL,
		abuseKey:       cfg.AbuseAPIKey,
		maliciousScore: cfg.MaliciousScore,
		logger:         logger,
	}
}

func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (*models.ReputationRecord, error) {
	record := &models.ReputationRecord{
		IPAddress:  ip,
		RawPayload: make(map[string]any),
	}

	geo, err := p.fetchGeo(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("%w: geolocation lookup for %s: %v", models.ErrProviderUnavailable, ip, err)
	}
	record.CountryCode = geo.CountryCode
	record.City = geo.City
	record.Latitude = geo.Lat
	record.Longitude = geo.Lon
	record.IsProxy = geo.Proxy
	record.IsVPN = geo.Hosting
	record.RawPayload["geo"] = geo

	if p.abuseKey != "" {
		abuse, err := p.fetchAbuse(ctx, ip)
		if err != nil {
			return nil, fmt.Errorf("%w: abuse lookup for %s: %v", models.ErrProviderUnavailable, ip, err)
		}
		record.Score = abuse.Data.AbuseConfidenceScore
		record.IsTor = abuse.Data.IsTor
		record.RawPayload["abuse"] = abuse.Data
	}

	record.IsMalicious = record.Score >= p.maliciousScore
	return record, nil
}

func (p *HTTPProvider) fetchGeo(ctx context.Context, ip string) (*geoResponse, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=status,message,countryCode,city,lat,lon,proxy,hosting",
		p.geoURL, url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var geo geoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&geo); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if geo.Status != "success" {
		return nil, fmt.Errorf("lookup failed: %s", geo.Message)
	}
	return &geo, nil
}

func (p *HTTPProvider) fetchAbuse(ctx context.Context, ip string) (*abuseResponse, error) {
	endpoint := fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=90", p.abuseURL, url.QueryEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", p.abuseKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var abuse abuseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&abuse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &abuse, nil
}
