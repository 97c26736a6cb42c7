package integrations

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Metadata is provider-specific connection data. Concrete values are one of
// JiraMetadata, ZohoMetadata, SlackMetadata, MiroMetadata or GenericMetadata.
type Metadata interface {
	metadataKind() string
}

// JiraMetadata addresses the Atlassian cloud site the token is scoped to.
type JiraMetadata struct {
	CloudID  string `json:"cloudId"`
	URL      string `json:"url"`
	SiteName string `json:"name,omitempty"`
}

// ZohoMetadata records the region-specific API host returned at exchange time.
type ZohoMetadata struct {
	APIDomain string `json:"apiDomain"`
}

// SlackMetadata records the workspace the bot token belongs to.
type SlackMetadata struct {
	TeamID       string `json:"teamId,omitempty"`
	TeamName     string `json:"teamName,omitempty"`
	BotUserID    string `json:"botUserId,omitempty"`
	AuthedUserID string `json:"authedUserId,omitempty"`
	AppID        string `json:"appId,omitempty"`
}

// MiroMetadata records the team the token was granted for.
type MiroMetadata struct {
	TeamID   string `json:"teamId,omitempty"`
	TeamName string `json:"teamName,omitempty"`
}

// GenericMetadata is the fallback for providers that need no typed data.
type GenericMetadata map[string]string

func (JiraMetadata) metadataKind() string    { return "jira" }
func (ZohoMetadata) metadataKind() string    { return "zoho" }
func (SlackMetadata) metadataKind() string   { return "slack" }
func (MiroMetadata) metadataKind() string    { return "miro" }
func (GenericMetadata) metadataKind() string { return "generic" }

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes metadata with its kind tag. A nil value encodes to nil.
func EncodeMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal %s metadata: %w", md.metadataKind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: md.metadataKind(), Data: data})
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal metadata envelope: %w", err)
	}

	var (
		md  Metadata
		err error
	)
	switch env.Kind {
	case "jira":
		var v JiraMetadata
		err = json.Unmarshal(env.Data, &v)
		md = v
	case "zoho":
		var v ZohoMetadata
		err = json.Unmarshal(env.Data, &v)
		md = v
	case "slack":
		var v SlackMetadata
		err = json.Unmarshal(env.Data, &v)
		md = v
	case "miro":
		var v MiroMetadata
		err = json.Unmarshal(env.Data, &v)
		md = v
	case "generic":
		var v GenericMetadata
		err = json.Unmarshal(env.Data, &v)
		md = v
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s metadata: %w", env.Kind, err)
	}
	return md, nil
}

func cloneMetadata(md Metadata) Metadata {
	if g, ok := md.(GenericMetadata); ok && g != nil {
		return maps.Clone(g)
	}
	// Every other variant is a plain value type.
	return md
}
