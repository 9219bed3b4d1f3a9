package syncctl

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/imappool"
	"github.com/rustmailer/bichon/internal/metastore"
)

// persistingTokenSource wraps the stdlib refresher so a rotated refresh
// token (some providers issue a new one on every exchange) is written
// back to the metadata store, not just held in memory.
type persistingTokenSource struct {
	ctx    context.Context
	store  *metastore.Store
	box    *cryptutil.SecretBox
	cfgID  uint64
	source oauth2.TokenSource
	last   string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.source.Token()
	if err != nil {
		return nil, bicherr.Wrap(bicherr.MissingRefreshToken, "OAuth2 token refresh failed", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != p.last {
		if err := p.store.UpdateRefreshToken(p.ctx, p.cfgID, tok.RefreshToken, p.box); err == nil {
			p.last = tok.RefreshToken
		}
	}
	return tok, nil
}

// buildCredentials resolves an account's decrypted auth material into the
// shape internal/imappool needs to dial and authenticate.
func buildCredentials(ctx context.Context, store *metastore.Store, box *cryptutil.SecretBox, account *metastore.Account) (imappool.Credentials, error) {
	creds := imappool.Credentials{
		Host:       account.Host,
		Port:       account.Port,
		Encryption: account.Encryption,
		Username:   account.Email,
		AuthMode:   account.AuthMode,
	}

	switch account.AuthMode {
	case metastore.AuthPassword:
		pw, err := box.Decrypt(account.PasswordEnc)
		if err != nil {
			return creds, bicherr.Wrap(bicherr.InternalError, "failed to decrypt account password", err)
		}
		creds.Password = pw

	case metastore.AuthOAuth2:
		cfg, err := store.GetOAuth2Config(ctx, account.OAuth2ConfigID)
		if err != nil {
			return creds, err
		}
		if cfg.Disabled {
			return creds, bicherr.New(bicherr.OAuth2ItemDisabled, "OAuth2 config is disabled")
		}
		clientSecret, err := box.Decrypt(cfg.ClientSecretEnc)
		if err != nil {
			return creds, bicherr.Wrap(bicherr.InternalError, "failed to decrypt OAuth2 client secret", err)
		}
		refreshToken, err := box.Decrypt(cfg.RefreshTokenEnc)
		if err != nil {
			return creds, bicherr.Wrap(bicherr.InternalError, "failed to decrypt OAuth2 refresh token", err)
		}

		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			Scopes:       []string{cfg.Scope},
		}
		base := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		creds.TokenSource = &persistingTokenSource{
			ctx: ctx, store: store, box: box, cfgID: cfg.ID, source: base, last: refreshToken,
		}
	}

	return creds, nil
}
