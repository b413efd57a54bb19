package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
	"github.com/bizzybee90/bizzybee/internal/resilience"
	"github.com/bizzybee90/bizzybee/pkg/firecrawl"
)

// faqPathHints steer the crawl toward pages that answer customer questions.
var faqPathHints = []string{"faq", "faqs", "about", "services", "pricing", "contact"}

// handleScrape crawls one discovered competitor per invocation, harvesting
// FAQ candidates and pinning the competitor's location. Scrapes are paced by
// the shared limiter; the handler chains itself until no discovered
// competitors remain.
func (p *Pipeline) handleScrape(ctx context.Context, job *model.Job) error {
	pending, err := p.store.ListCompetitors(ctx, job.ID, model.CompetitorDiscovered)
	if err != nil {
		return eris.Wrap(err, "pipeline: list discovered competitors")
	}
	if len(pending) == 0 {
		return p.advance(ctx, job)
	}
	competitor := pending[0]

	if err := p.scrapeLimiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "pipeline: scrape pacing")
	}

	pages, err := p.crawlSite(ctx, competitor.URL)
	if err != nil {
		if resilience.IsTransient(err) {
			return err
		}
		// Unreachable or broken site: skip it and move on.
		zap.L().Warn("pipeline: competitor site unscrapeable, skipping",
			zap.String("competitor_id", competitor.ID),
			zap.String("url", competitor.URL),
			zap.Error(err),
		)
		if err := p.store.UpdateCompetitorStatus(ctx, competitor.ID, model.CompetitorSkipped); err != nil {
			return eris.Wrap(err, "pipeline: mark competitor skipped")
		}
		return p.scrapeDone(ctx, job)
	}

	var fullText strings.Builder
	var entries []model.FAQEntry
	for _, page := range pages {
		fullText.WriteString(page.Markdown)
		fullText.WriteString("\n")
		for _, faq := range parseFAQs(page.Markdown) {
			faq.WorkspaceID = job.WorkspaceID
			faq.CompetitorID = competitor.ID
			entries = append(entries, faq)
		}
	}

	// Pin the competitor's location when the site names an address, and
	// drop sites outside the search radius.
	params := researchParams(job)
	radius := params.RadiusKm
	if radius <= 0 {
		radius = p.cfg.Research.RadiusKm
	}
	if addr := extractAddress(fullText.String()); addr != "" {
		if origin := p.origin(ctx, params.Address); origin != nil {
			if loc, geoErr := p.geocoder.Geocode(ctx, parseAddress(addr)); geoErr == nil && loc.Matched {
				dist := haversineKm(origin.Latitude, origin.Longitude, loc.Latitude, loc.Longitude)
				if dist > radius {
					zap.L().Info("pipeline: competitor outside radius, skipping",
						zap.String("competitor_id", competitor.ID),
						zap.Float64("distance_km", dist),
						zap.Float64("radius_km", radius),
					)
					if err := p.store.UpdateCompetitorStatus(ctx, competitor.ID, model.CompetitorSkipped); err != nil {
						return eris.Wrap(err, "pipeline: mark competitor skipped")
					}
					return p.scrapeDone(ctx, job)
				}
			}
		}
	}

	inserted := 0
	if len(entries) > 0 {
		inserted, err = p.store.UpsertFAQEntries(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "pipeline: store faq entries")
		}
	}
	if err := p.store.UpdateCompetitorStatus(ctx, competitor.ID, model.CompetitorScraped); err != nil {
		return eris.Wrap(err, "pipeline: mark competitor scraped")
	}

	zap.L().Info("pipeline: competitor scraped",
		zap.String("competitor_id", competitor.ID),
		zap.String("url", competitor.URL),
		zap.Int("pages", len(pages)),
		zap.Int("faqs", inserted),
	)
	return p.scrapeDone(ctx, job)
}

// scrapeDone records one processed competitor and chains the next scrape.
func (p *Pipeline) scrapeDone(ctx context.Context, job *model.Job) error {
	applied, err := p.progress(ctx, job, model.JobCounters{Processed: 1}, "")
	if err != nil {
		return err
	}
	if applied {
		p.chain(job.ID)
	}
	return nil
}

// crawlSite starts a bounded crawl of the competitor site and waits for it.
func (p *Pipeline) crawlSite(ctx context.Context, siteURL string) ([]firecrawl.PageData, error) {
	breaker := p.breakers.Get("firecrawl")
	started, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*firecrawl.CrawlResponse, error) {
		return p.firecrawl.Crawl(ctx, firecrawl.CrawlRequest{
			URL:          siteURL,
			MaxDepth:     2,
			Limit:        p.cfg.Firecrawl.MaxPages,
			IncludePaths: faqPathHints,
		})
	})
	if err != nil {
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, eris.Wrap(err, "pipeline: start crawl")
	}

	status, err := firecrawl.PollCrawl(ctx, p.firecrawl, started.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: await crawl")
	}
	return status.Data, nil
}
