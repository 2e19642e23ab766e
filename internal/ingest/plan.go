package ingest

import (
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hive-corporation/intelcommons/internal/adapter/provider"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// Plan is the YAML document listing what an organization contributes.
//
//	organization_id: acme-soc
//	lists:
//	  - name: feodo
//	    location: https://feodotracker.abuse.ch/downloads/ipblocklist.txt
//	    threat_category: command_and_control
//	    severity: high
//	    confidence: 0.8
type Plan struct {
	OrganizationID string                `yaml:"organization_id"`
	Lists          []provider.ListConfig `yaml:"lists"`
}

func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ingestion plan %s", path)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "failed to parse ingestion plan %s", path)
	}
	if p.OrganizationID == "" {
		return nil, errors.New("ingestion plan: organization_id is required")
	}
	if len(p.Lists) == 0 {
		return nil, errors.New("ingestion plan: at least one list is required")
	}
	for i, l := range p.Lists {
		if l.Name == "" || l.Location == "" {
			return nil, errors.Errorf("ingestion plan: list %d needs a name and a location", i)
		}
	}
	return &p, nil
}

// Providers builds one list provider per configured list.
func (p *Plan) Providers(client *http.Client, logger zerolog.Logger) []ports.ObservationProvider {
	out := make([]ports.ObservationProvider, 0, len(p.Lists))
	for _, l := range p.Lists {
		out = append(out, provider.NewListProvider(client, l, logger))
	}
	return out
}
