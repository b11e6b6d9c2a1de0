// Package feeds polls external weather and tide services on a schedule
// and writes the results into the state document wholesale.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/windlass/relay/internal/telemetry"
)

const fetchTimeout = 15 * time.Second

// Feed describes one external data source.
type Feed struct {
	Name     string
	URL      string
	Schedule string
	Apply    func(v interface{}) error
}

// StateSetter is the slice of the state manager feeds write to.
type StateSetter interface {
	SetWeatherData(v interface{}) error
	SetTideData(v interface{}) error
}

// Options configures a Poller.
type Options struct {
	State  StateSetter
	Logger *zap.Logger
	Client *http.Client

	WeatherURL      string
	WeatherSchedule string
	TideURL         string
	TideSchedule    string
}

// Poller runs feed fetches on cron schedules.
type Poller struct {
	feeds  []Feed
	client *http.Client
	logger *zap.Logger
	cron   *cron.Cron
}

// NewPoller builds a poller for the configured feeds. Feeds with an
// empty URL are skipped so a boat without a tide subscription still works.
func NewPoller(opts Options) (*Poller, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("feeds: state setter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	p := &Poller{
		client: client,
		logger: logger,
		cron:   cron.New(),
	}

	if opts.WeatherURL != "" {
		schedule := opts.WeatherSchedule
		if schedule == "" {
			schedule = "@every 30m"
		}
		p.feeds = append(p.feeds, Feed{
			Name:     "weather",
			URL:      opts.WeatherURL,
			Schedule: schedule,
			Apply:    opts.State.SetWeatherData,
		})
	}
	if opts.TideURL != "" {
		schedule := opts.TideSchedule
		if schedule == "" {
			schedule = "@every 6h"
		}
		p.feeds = append(p.feeds, Feed{
			Name:     "tides",
			URL:      opts.TideURL,
			Schedule: schedule,
			Apply:    opts.State.SetTideData,
		})
	}

	for _, f := range p.feeds {
		feed := f
		if _, err := p.cron.AddFunc(feed.Schedule, func() {
			p.poll(context.Background(), feed)
		}); err != nil {
			return nil, fmt.Errorf("feeds: invalid schedule %q for %s: %w", feed.Schedule, feed.Name, err)
		}
	}

	return p, nil
}

// Start fetches every feed once immediately, then begins the schedules.
func (p *Poller) Start(ctx context.Context) {
	for _, f := range p.feeds {
		p.poll(ctx, f)
	}
	p.cron.Start()
}

// Stop halts scheduling and waits for in-flight fetches.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Poller) poll(ctx context.Context, f Feed) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	ctx, span := telemetry.StartFeedSpan(ctx, f.Name)
	defer span.End()

	v, err := p.fetch(ctx, f.URL)
	if err != nil {
		p.logger.Warn("feed fetch failed", zap.String("feed", f.Name), zap.Error(err))
		return
	}
	if err := f.Apply(v); err != nil {
		p.logger.Warn("feed apply failed", zap.String("feed", f.Name), zap.Error(err))
		return
	}
	p.logger.Debug("feed updated", zap.String("feed", f.Name))
}

func (p *Poller) fetch(ctx context.Context, url string) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode feed body: %w", err)
	}
	return v, nil
}
