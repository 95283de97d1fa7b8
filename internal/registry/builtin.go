package registry

import (
	"context"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// RegisterBuiltin wires the source catalog. Connector factories that need
// network clients receive the decrypted bundle at build time.
func RegisterBuiltin(r *Registry) {
	r.Register(&Descriptor{
		ShortName:   "notion",
		DisplayName: "Notion",
		AuthMethods: []models.AuthenticationMethod{
			models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken, models.AuthMethodAuthProvider,
		},
		OAuth: OAuthSettings{
			Kind:             OAuth2,
			AuthorizationURL: "https://api.notion.com/v1/oauth/authorize",
			TokenURL:         "https://api.notion.com/v1/oauth/token",
		},
		Factory: stubFactory("notion"),
	})
	r.Register(&Descriptor{
		ShortName:   "github",
		DisplayName: "GitHub",
		AuthMethods: []models.AuthenticationMethod{
			models.AuthMethodDirect, models.AuthMethodOAuthBrowser, models.AuthMethodOAuthBYOC,
		},
		OAuth: OAuthSettings{
			Kind:             OAuth2,
			AuthorizationURL: "https://github.com/login/oauth/authorize",
			TokenURL:         "https://github.com/login/oauth/access_token",
			Scopes:           []string{"repo", "read:org"},
		},
		Factory: stubFactory("github"),
	})
	r.Register(&Descriptor{
		ShortName:   "google_drive",
		DisplayName: "Google Drive",
		AuthMethods: []models.AuthenticationMethod{
			models.AuthMethodOAuthBrowser, models.AuthMethodOAuthBYOC, models.AuthMethodOAuthToken,
		},
		OAuth: OAuthSettings{
			Kind:             OAuth2WithRefresh,
			AuthorizationURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:         "https://oauth2.googleapis.com/token",
			Scopes:           []string{"https://www.googleapis.com/auth/drive.readonly"},
			UsesPKCE:         true,
		},
		RequiresBYOC: true,
		Factory:      stubFactory("google_drive"),
	})
	r.Register(&Descriptor{
		ShortName:   "sharepoint",
		DisplayName: "SharePoint",
		AuthMethods: []models.AuthenticationMethod{
			models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken,
		},
		OAuth: OAuthSettings{
			Kind:             OAuth2WithRefresh,
			AuthorizationURL: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL:         "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			Scopes:           []string{"Sites.Read.All", "GroupMember.Read.All", "offline_access"},
		},
		SupportsIncrementalACL: true,
		Factory:                stubFactory("sharepoint"),
	})
	r.Register(&Descriptor{
		ShortName:   "trello",
		DisplayName: "Trello",
		AuthMethods: []models.AuthenticationMethod{models.AuthMethodOAuthBrowser},
		OAuth: OAuthSettings{
			Kind:             OAuth1,
			RequestTokenURL:  "https://trello.com/1/OAuthGetRequestToken",
			AuthorizationURL: "https://trello.com/1/OAuthAuthorizeToken",
			AccessTokenURL:   "https://trello.com/1/OAuthGetAccessToken",
		},
		Factory: stubFactory("trello"),
	})
	r.Register(&Descriptor{
		ShortName:   "postgresql",
		DisplayName: "PostgreSQL",
		AuthMethods: []models.AuthenticationMethod{models.AuthMethodDirect},
		Factory:     stubFactory("postgresql"),
	})
	r.Register(&Descriptor{
		ShortName:   "slack",
		DisplayName: "Slack",
		AuthMethods: []models.AuthenticationMethod{
			models.AuthMethodOAuthBrowser, models.AuthMethodOAuthToken,
		},
		OAuth: OAuthSettings{
			Kind:             OAuth2,
			AuthorizationURL: "https://slack.com/oauth/v2/authorize",
			TokenURL:         "https://slack.com/api/oauth.v2.access",
			Scopes:           []string{"channels:history", "channels:read", "users:read"},
		},
		Factory: stubFactory("slack"),
	})
}

// stubFactory returns a connector that validates trivially and yields no
// entities. Real connectors replace these per deployment; the pipeline, auth,
// and ACL machinery are connector-agnostic.
func stubFactory(shortName string) Factory {
	return func(ctx context.Context, credentials map[string]any, config map[string]any) (contracts.Source, error) {
		return &StubSource{Short: shortName}, nil
	}
}

// StubSource is a no-op connector used in development and tests.
type StubSource struct {
	Short    string
	Entities []*models.Entity
	// FailValidation simulates bad credentials.
	FailValidation bool

	cursor map[string]any
}

func (s *StubSource) ShortName() string { return s.Short }

func (s *StubSource) Validate(ctx context.Context) error {
	if s.FailValidation {
		return &models.CredentialValidationError{ShortName: s.Short, Reason: "invalid credentials"}
	}
	return nil
}

func (s *StubSource) GenerateEntities(ctx context.Context, emit func(*models.Entity) error) error {
	for _, e := range s.Entities {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *StubSource) SetCursor(data map[string]any) { s.cursor = data }
func (s *StubSource) Cursor() map[string]any        { return s.cursor }
