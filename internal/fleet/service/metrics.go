package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

// MetricFamily is a condensed view of one scraped metric family.
type MetricFamily struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Help    string  `json:"help,omitempty"`
	Samples int     `json:"samples"`
	Value   float64 `json:"value"`
}

// AgentMetrics scrapes the agent's Prometheus exposition endpoint and
// returns a summarized, name-sorted view of its metric families. For
// counters and gauges Value is the sum over all label sets.
func (s *Service) AgentMetrics(ctx context.Context, agentID string) ([]MetricFamily, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(agent.URL, "/")+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape agent %q: %w", agent.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: agent %q has no metrics endpoint (status %d)", model.ErrNotFound, agent.Name, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics from agent %q: %w", agent.Name, err)
	}

	out := make([]MetricFamily, 0, len(families))
	for name, mf := range families {
		out = append(out, summarizeFamily(name, mf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func summarizeFamily(name string, mf *dto.MetricFamily) MetricFamily {
	fam := MetricFamily{
		Name:    name,
		Type:    mf.GetType().String(),
		Help:    mf.GetHelp(),
		Samples: len(mf.GetMetric()),
	}
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			fam.Value += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			fam.Value += m.GetGauge().GetValue()
		case dto.MetricType_UNTYPED:
			fam.Value += m.GetUntyped().GetValue()
		case dto.MetricType_SUMMARY:
			fam.Value += m.GetSummary().GetSampleSum()
		case dto.MetricType_HISTOGRAM:
			fam.Value += m.GetHistogram().GetSampleSum()
		}
	}
	return fam
}
