package integrations

// Category groups related services on the dashboard.
type Category string

const (
	CategoryProductivity  Category = "productivity"
	CategoryCommunication Category = "communication"
	CategoryProjectMgmt   Category = "project_management"
	CategoryCRM           Category = "crm"
)

// Integration describes a provider for display purposes.
type Integration struct {
	Provider     Provider `json:"provider"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     Category `json:"category"`
	APIBaseURL   string   `json:"apiBaseUrl"`
	APIDocsURL   string   `json:"apiDocsUrl"`
	Capabilities []string `json:"capabilities"`
}

// Catalog holds one entry per supported provider.
var Catalog = map[Provider]*Integration{
	ProviderGoogle: {
		Provider:     ProviderGoogle,
		Name:         "Google Workspace",
		Description:  "Gmail, Drive and Calendar",
		Category:     CategoryProductivity,
		APIBaseURL:   "https://www.googleapis.com",
		APIDocsURL:   "https://developers.google.com/workspace",
		Capabilities: []string{"email", "files", "calendar"},
	},
	ProviderSlack: {
		Provider:     ProviderSlack,
		Name:         "Slack",
		Description:  "Channels, messages and users",
		Category:     CategoryCommunication,
		APIBaseURL:   "https://slack.com/api",
		APIDocsURL:   "https://api.slack.com/methods",
		Capabilities: []string{"channels", "messages", "users"},
	},
	ProviderAsana: {
		Provider:     ProviderAsana,
		Name:         "Asana",
		Description:  "Workspaces, projects and tasks",
		Category:     CategoryProjectMgmt,
		APIBaseURL:   "https://app.asana.com/api/1.0",
		APIDocsURL:   "https://developers.asana.com/reference",
		Capabilities: []string{"workspaces", "projects", "tasks"},
	},
	ProviderJira: {
		Provider: ProviderJira,
		Name:     "Jira",
		Description: "Issues and projects on an Atlassian cloud site. " +
			"Requests go to https://api.atlassian.com/ex/jira/{cloudId}.",
		Category:     CategoryProjectMgmt,
		APIBaseURL:   "https://api.atlassian.com/ex/jira",
		APIDocsURL:   "https://developer.atlassian.com/cloud/jira/platform/rest/v3",
		Capabilities: []string{"issues", "projects", "users"},
	},
	ProviderMiro: {
		Provider:     ProviderMiro,
		Name:         "Miro",
		Description:  "Boards and teams",
		Category:     CategoryProductivity,
		APIBaseURL:   "https://api.miro.com/v2",
		APIDocsURL:   "https://developers.miro.com/reference",
		Capabilities: []string{"boards", "teams"},
	},
	ProviderZoho: {
		Provider: ProviderZoho,
		Name:     "Zoho CRM",
		Description: "Deals and users. Requests go to the region-specific " +
			"api domain returned when the account was linked.",
		Category:     CategoryCRM,
		APIBaseURL:   "https://www.zohoapis.com/crm/v2",
		APIDocsURL:   "https://www.zoho.com/crm/developer/docs/api/v2",
		Capabilities: []string{"deals", "users"},
	},
}

// GetIntegration returns the catalog entry for p.
func GetIntegration(p Provider) (*Integration, bool) {
	i, ok := Catalog[p]
	return i, ok
}
