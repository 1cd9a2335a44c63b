package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"reel/internal/pkg/errors"
	"reel/internal/storage"
)

func gdriveAuthCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Obtain a Google Drive refresh token",
		Long: "Runs the OAuth consent flow for GDRIVE_CLIENT_ID/GDRIVE_CLIENT_SECRET\n" +
			"and prints the refresh token to store in GDRIVE_REFRESH_TOKEN.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.GDriveClientID == "" || cfg.GDriveClientSecret == "" {
				return errors.Validation("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
			}

			// Local callback on a free port.
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			defer ln.Close()

			conf := storage.OAuthConfig(cfg)
			conf.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)

			state := randomState()
			codeCh := make(chan string, 1)
			errCh := make(chan error, 1)

			mux := http.NewServeMux()
			mux.Handle("/callback", callbackHandler(state, codeCh, errCh))
			srv := &http.Server{
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			go func() { _ = srv.Serve(ln) }()
			defer srv.Close()

			// Offline access with forced consent so Google returns a refresh token.
			authURL := conf.AuthCodeURL(state,
				oauth2.AccessTypeOffline,
				oauth2.SetAuthURLParam("prompt", "consent"),
			)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nOpen this URL in your browser:\n\n%s\n\nWaiting for authorization on %s\n", authURL, conf.RedirectURL)

			var code string
			select {
			case code = <-codeCh:
			case err := <-errCh:
				return err
			case <-time.After(wait):
				return errors.Timeout("waiting for gdrive authorization")
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}

			tok, err := conf.Exchange(cmd.Context(), code)
			if err != nil {
				return errors.Wrap(err, "gdrive-auth", "exchange authorization code")
			}
			return printRefreshToken(out, tok)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Minute, "how long to wait for the browser callback")
	return cmd
}

// callbackHandler accepts exactly one OAuth redirect carrying state.
func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			report(errors.Validation("invalid oauth state"))
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			report(errors.Validationf("auth error: %s", e))
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			report(errors.Validation("missing authorization code"))
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		select {
		case codeCh <- code:
		default:
		}
	})
}

func printRefreshToken(out io.Writer, tok *oauth2.Token) error {
	// Google omits the refresh token when the app was already authorized
	// without prompt=consent.
	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Fprintln(out, "\nNo refresh_token was returned.")
		fmt.Fprintln(out, "Revoke the app's access at https://myaccount.google.com/permissions and run this command again.")
		return errors.FailedPrecondition("no refresh token returned")
	}
	fmt.Fprintf(out, "\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
	return nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
