// Package storage holds what the SQL connection stores share: the row shape
// and the sealing of tokens on their way to and from the database.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dynamiq/connecthub/internal/integrations"
	"github.com/dynamiq/connecthub/internal/secrets"
)

// Row is a Connection as stored: tokens sealed, metadata tagged, scopes joined.
type Row struct {
	UserID       string
	Provider     string
	AccountID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       string
	ExpiresAt    time.Time // zero means the token does not expire
	Metadata     []byte
	ConnectedAt  time.Time
	UpdatedAt    time.Time
}

// Codec converts between Connection and Row.
type Codec struct {
	sealer *secrets.Sealer
}

func NewCodec(sealer *secrets.Sealer) (*Codec, error) {
	if sealer == nil {
		return nil, errors.New("storage: a sealer is required")
	}
	return &Codec{sealer: sealer}, nil
}

// Encode seals conn into a Row.
func (c *Codec) Encode(conn *integrations.Connection) (*Row, error) {
	access, err := c.sealer.Seal(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := c.sealer.Seal(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}
	md, err := integrations.EncodeMetadata(conn.Metadata)
	if err != nil {
		return nil, err
	}
	return &Row{
		UserID:       conn.UserID,
		Provider:     string(conn.Provider),
		AccountID:    conn.ProviderAccountID,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    conn.TokenType,
		Scopes:       strings.Join(conn.Scopes, " "),
		ExpiresAt:    conn.ExpiresAt,
		Metadata:     md,
		ConnectedAt:  conn.ConnectedAt,
		UpdatedAt:    conn.UpdatedAt,
	}, nil
}

// Decode opens a Row back into a Connection.
func (c *Codec) Decode(row *Row) (*integrations.Connection, error) {
	provider, err := integrations.ParseProvider(row.Provider)
	if err != nil {
		return nil, err
	}
	access, err := c.sealer.Open(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("open access token for %s/%s: %w", row.UserID, row.Provider, err)
	}
	refresh, err := c.sealer.Open(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("open refresh token for %s/%s: %w", row.UserID, row.Provider, err)
	}
	md, err := integrations.DecodeMetadata(row.Metadata)
	if err != nil {
		return nil, err
	}
	return &integrations.Connection{
		UserID:            row.UserID,
		Provider:          provider,
		ProviderAccountID: row.AccountID,
		AccessToken:       access,
		RefreshToken:      refresh,
		TokenType:         row.TokenType,
		Scopes:            strings.Fields(row.Scopes),
		ExpiresAt:         row.ExpiresAt,
		Metadata:          md,
		ConnectedAt:       row.ConnectedAt,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

// SealRefreshed seals the pair passed to UpdateTokens. An empty refresh
// token stays empty so the stores can keep the old one.
func (c *Codec) SealRefreshed(accessToken, refreshToken string) (string, string, error) {
	access, err := c.sealer.Seal(accessToken)
	if err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := c.sealer.Seal(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}
