package storage

import (
	"context"

	"reel/internal/adapters/storage/gdrive"
	"reel/internal/adapters/storage/localfs"
	"reel/internal/config"
	"reel/internal/pkg/errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// NewProvider builds the provider selected by STORAGE_PROVIDER.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.StorageProvider {
	case "", "localfs":
		return localfs.New(cfg.LocalStorageRoot(), cfg.PublicBaseURL), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg)

	default:
		return nil, errors.Validationf("unknown storage provider: %s", cfg.StorageProvider)
	}
}

// OAuthConfig is the Drive OAuth client shared by the provider and the
// gdrive-auth command.
func OAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GDriveClientID,
		ClientSecret: cfg.GDriveClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GDriveOAuthRedirect,
		Scopes:       []string{drive.DriveFileScope},
	}
}

func newGDriveProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	if cfg.GDriveClientID == "" || cfg.GDriveClientSecret == "" || cfg.GDriveRefreshToken == "" {
		return nil, errors.Validation("gdrive requires GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN")
	}

	// The token source outlives ctx; it refreshes for the life of the process.
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := OAuthConfig(cfg).Client(context.WithoutCancel(ctx), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "storage.gdrive", "create drive service")
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
