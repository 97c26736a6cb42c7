package providers

import (
	"net/http"

	"github.com/dynamiq/connecthub/internal/integrations"
)

// Settings holds the OAuth app of every vendor. Vendors whose app is not
// configured are left out of the registry.
type Settings map[integrations.Provider]Config

// New builds an adapter for each configured vendor, sharing client.
func New(settings Settings, client *http.Client) *integrations.Adapters {
	var adapters []integrations.Adapter
	for _, p := range integrations.AllProviders {
		cfg, ok := settings[p]
		if !ok || !cfg.Configured() {
			continue
		}
		adapters = append(adapters, newAdapter(p, cfg, client))
	}
	return integrations.NewAdapters(adapters...)
}

func newAdapter(p integrations.Provider, cfg Config, client *http.Client) integrations.Adapter {
	switch p {
	case integrations.ProviderGoogle:
		return NewGoogle(cfg, client)
	case integrations.ProviderSlack:
		return NewSlack(cfg, client)
	case integrations.ProviderAsana:
		return NewAsana(cfg, client)
	case integrations.ProviderJira:
		return NewJira(cfg, client)
	case integrations.ProviderMiro:
		return NewMiro(cfg, client)
	case integrations.ProviderZoho:
		return NewZoho(cfg, client)
	default:
		panic("providers: no adapter for " + string(p))
	}
}

var (
	_ integrations.Adapter = (*Google)(nil)
	_ integrations.Adapter = (*Slack)(nil)
	_ integrations.Adapter = (*Asana)(nil)
	_ integrations.Adapter = (*Jira)(nil)
	_ integrations.Adapter = (*Miro)(nil)
	_ integrations.Adapter = (*Zoho)(nil)
)
