// Package geoip enriches validated endpoints with region information
// from the ipinfo.io API.
package geoip

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"endpoint-balancer/pkg/models"
)

// Response is the subset of the ipinfo.io answer we use.
type Response struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Lookup fetches geo information for one IP address.
func Lookup(ip string) (Response, error) {
	url := fmt.Sprintf("https://ipinfo.io/%s?token=%s", ip, viper.GetString("ipinfo.token"))
	resp, err := httpClient.Get(url)
	if err != nil {
		return Response{}, fmt.Errorf("ipinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	var info Response
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Response{}, fmt.Errorf("ipinfo decode failed: %w", err)
	}
	return info, nil
}

// Annotate fills the Region field of each endpoint that has a resolved
// IP. Lookup failures are logged and skipped; enrichment is best-effort
// and never blocks the pipeline.
func Annotate(endpoints []models.ValidatedEndpoint, logger *slog.Logger) {
	cache := make(map[string]string)
	for i := range endpoints {
		ip := endpoints[i].ResolvedIP
		if ip == "" {
			continue
		}
		if region, ok := cache[ip]; ok {
			endpoints[i].Region = region
			continue
		}
		info, err := Lookup(ip)
		if err != nil {
			logger.Warn("region lookup failed", "ip", ip, "error", err)
			continue
		}
		region := info.Country
		if info.Region != "" {
			region = fmt.Sprintf("%s/%s", info.Country, info.Region)
		}
		cache[ip] = region
		endpoints[i].Region = region
	}
}
