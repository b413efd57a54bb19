package pipeline

import (
	"context"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/pkg/geocode"
	"github.com/bizzybee90/bizzybee/pkg/jina"
)

// aggregatorHosts are directory and social sites that show up in local
// search results but are not competitor websites.
var aggregatorHosts = map[string]bool{
	"yelp.com":        true,
	"facebook.com":    true,
	"instagram.com":   true,
	"linkedin.com":    true,
	"google.com":      true,
	"maps.google.com": true,
	"yellowpages.com": true,
	"angi.com":        true,
	"thumbtack.com":   true,
	"nextdoor.com":    true,
	"tripadvisor.com": true,
}

// handleDiscover searches the web for nearby competitors and records them for
// the scrape phase.
func (p *Pipeline) handleDiscover(ctx context.Context, job *model.Job) error {
	params := researchParams(job)
	maxSites := params.MaxSites
	if maxSites <= 0 {
		maxSites = p.cfg.Research.MaxSites
	}
	if params.Query == "" {
		return eris.New("pipeline: research job has no search query")
	}

	breaker := p.breakers.Get("jina")
	resp, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*jina.SearchResponse, error) {
		return p.jina.Search(ctx, params.Query, jina.WithCount(maxSites*2))
	})
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pipeline: competitor search"), 0)
	}

	seen := map[string]bool{}
	var competitors []model.Competitor
	for _, r := range resp.Data {
		host := normalizedHost(r.URL)
		if host == "" || seen[host] || aggregatorHosts[host] {
			continue
		}
		seen[host] = true
		competitors = append(competitors, model.Competitor{
			WorkspaceID: job.WorkspaceID,
			JobID:       job.ID,
			Name:        strings.TrimSpace(r.Title),
			URL:         "https://" + host,
			Address:     extractAddress(r.Content + "\n" + r.Description),
			Source:      "search",
			Status:      model.CompetitorDiscovered,
		})
		if len(competitors) >= maxSites {
			break
		}
	}

	competitors = p.pinCompetitors(ctx, params, competitors)

	inserted := 0
	if len(competitors) > 0 {
		inserted, err = p.store.InsertCompetitors(ctx, competitors)
		if err != nil {
			return eris.Wrap(err, "pipeline: insert competitors")
		}
	}

	zap.L().Info("pipeline: competitors discovered",
		zap.String("job_id", job.ID),
		zap.Int("results", len(resp.Data)),
		zap.Int("inserted", inserted),
	)

	if _, err := p.progress(ctx, job, model.JobCounters{Scanned: inserted, TotalEstimated: inserted}, ""); err != nil {
		return err
	}
	return p.advance(ctx, job)
}

func researchParams(job *model.Job) model.ResearchParams {
	if job.Params.Research != nil {
		return *job.Params.Research
	}
	return model.ResearchParams{}
}

// pinCompetitors geocodes the street addresses found in search snippets in
// one batch, records the match on each competitor and drops sites already
// known to be outside the search radius. Sites without a snippet address
// pass through; the scrape phase re-checks once full page text is available.
func (p *Pipeline) pinCompetitors(ctx context.Context, params model.ResearchParams, competitors []model.Competitor) []model.Competitor {
	var addrs []geocode.AddressInput
	var at []int
	for i, c := range competitors {
		if c.Address != "" {
			at = append(at, i)
			addrs = append(addrs, parseAddress(c.Address))
		}
	}
	if len(addrs) == 0 {
		return competitors
	}
	origin := p.origin(ctx, params.Address)
	if origin == nil {
		return competitors
	}

	results, err := p.geocoder.BatchGeocode(ctx, addrs)
	if err != nil {
		zap.L().Warn("pipeline: batch geocode failed", zap.Error(err))
		return competitors
	}

	radius := params.RadiusKm
	if radius <= 0 {
		radius = p.cfg.Research.RadiusKm
	}

	outside := map[int]bool{}
	for j, r := range results {
		if !r.Matched {
			continue
		}
		i := at[j]
		competitors[i].Latitude = r.Latitude
		competitors[i].Longitude = r.Longitude
		competitors[i].DistanceKm = haversineKm(origin.Latitude, origin.Longitude, r.Latitude, r.Longitude)
		if competitors[i].DistanceKm > radius {
			outside[i] = true
			zap.L().Info("pipeline: competitor outside radius, dropped",
				zap.String("url", competitors[i].URL),
				zap.Float64("distance_km", competitors[i].DistanceKm),
				zap.Float64("radius_km", radius),
			)
		}
	}
	if len(outside) == 0 {
		return competitors
	}

	kept := competitors[:0]
	for i, c := range competitors {
		if !outside[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

// origin geocodes the workspace's own address. A miss is not an error: with
// no origin the radius filter is skipped and distances stay unknown.
func (p *Pipeline) origin(ctx context.Context, address string) *geocode.Result {
	if address == "" {
		return nil
	}
	result, err := p.geocoder.Geocode(ctx, parseAddress(address))
	if err != nil {
		zap.L().Warn("pipeline: origin geocode failed", zap.Error(err))
		return nil
	}
	if !result.Matched {
		return nil
	}
	return result
}

// parseAddress splits a one-line "street, city, ST zip" address into the
// geocoder's input fields. Unparseable addresses go through as street-only.
func parseAddress(addr string) geocode.AddressInput {
	parts := strings.Split(addr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	in := geocode.AddressInput{Street: parts[0]}
	if len(parts) >= 2 {
		in.City = parts[1]
	}
	if len(parts) >= 3 {
		stateZip := strings.Fields(parts[2])
		if len(stateZip) > 0 {
			in.State = stateZip[0]
		}
		if len(stateZip) > 1 {
			in.ZipCode = stateZip[1]
		}
	}
	return in
}

var streetAddressRe = regexp.MustCompile(`\d{1,6}\s+[A-Z][A-Za-z.\s]{2,40}(?:St|Ave|Rd|Blvd|Dr|Ln|Way|Ct|Pl|Street|Avenue|Road|Boulevard|Drive|Lane|Court|Place)\.?,?\s+[A-Z][A-Za-z\s]+,?\s+[A-Z]{2}\s+\d{5}`)

// extractAddress pulls the first street address out of scraped page text.
func extractAddress(text string) string {
	return strings.TrimSpace(streetAddressRe.FindString(text))
}

// haversineKm returns the great-circle distance between two points in
// kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func normalizedHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}
