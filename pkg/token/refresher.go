package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
)

const (
	defaultAuthorityHost = "https://login.microsoftonline.com"
	defaultTenant        = "common"

	// errCodeInvalidGrant is the OAuth error code for a revoked, expired or
	// otherwise unusable refresh credential.
	errCodeInvalidGrant = "invalid_grant"
)

// Grant is the result of a refresh-grant exchange.
type Grant struct {
	AccessToken string
	// RefreshToken is the credential to use next time. It equals the one
	// sent when the provider doesn't rotate.
	RefreshToken string
	Expiry       time.Time
}

// Refresher exchanges a refresh credential for an access token. A
// permanently invalid credential is reported as
// errors.ErrCredentialRevoked; any other error is transient.
type Refresher interface {
	Refresh(ctx context.Context, tenantID, refreshToken string) (*Grant, error)
}

// OAuthConfig holds the application registration used for exchanges.
type OAuthConfig struct {
	ClientID      string
	ClientSecret  string
	Scopes        []string
	AuthorityHost string
	// HTTPClient is used for the token endpoint calls when set.
	HTTPClient *http.Client
}

type oauthRefresher struct {
	cfg OAuthConfig
}

// NewOAuthRefresher returns a Refresher against the Microsoft identity
// platform (or a compatible authority).
func NewOAuthRefresher(cfg OAuthConfig) Refresher {
	if cfg.AuthorityHost == "" {
		cfg.AuthorityHost = defaultAuthorityHost
	}
	cfg.AuthorityHost = strings.TrimSuffix(cfg.AuthorityHost, "/")
	return &oauthRefresher{cfg: cfg}
}

func (o *oauthRefresher) endpoint(tenantID string) oauth2.Endpoint {
	if tenantID == "" {
		tenantID = defaultTenant
	}

	var ep oauth2.Endpoint
	if o.cfg.AuthorityHost == defaultAuthorityHost {
		ep = microsoft.AzureADEndpoint(tenantID)
	} else {
		ep = oauth2.Endpoint{
			AuthURL:  o.cfg.AuthorityHost + "/" + tenantID + "/oauth2/v2.0/authorize",
			TokenURL: o.cfg.AuthorityHost + "/" + tenantID + "/oauth2/v2.0/token",
		}
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}

// Refresh implements Refresher.
func (o *oauthRefresher) Refresh(ctx context.Context, tenantID, refreshToken string) (*Grant, error) {
	cfg := &oauth2.Config{
		ClientID:     o.cfg.ClientID,
		ClientSecret: o.cfg.ClientSecret,
		Scopes:       o.cfg.Scopes,
		Endpoint:     o.endpoint(tenantID),
	}
	if o.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.cfg.HTTPClient)
	}

	// A token without an access token is always refreshed.
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == errCodeInvalidGrant {
			return nil, fmt.Errorf("%s: %w", re.ErrorDescription, syncerrors.ErrCredentialRevoked)
		}
		return nil, fmt.Errorf("exchanging refresh token: %w", err)
	}

	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}
