// Command gdfs-auth is the one-shot OAuth bootstrap helper spec.md §6
// describes: it must run as root, opens the authorization URL in the
// user's browser, reads back the resulting auth code from stdin, exchanges
// it for an access/refresh token pair, and atomically writes the fixed-width
// gdfs.auth file spec.md §4.6/§6 define, owned by the configured mount user.
//
// Grounded on the OAuth2 authorization-code flow in
// _examples/ginabythebay-mnt-gdrive/main.go's getTokenFromWeb/tokenCacheFile
// (AuthCodeURL + stdin code + Exchange), adapted from that tool's JSON
// token-cache file to gdfs.auth's fixed binary record and from a
// read-only Drive scope to full Drive file access.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/drivefs/gdfs/cmd/common"
	"github.com/drivefs/gdfs/fs"
)

func usage() {
	fmt.Fprintf(os.Stderr, `gdfs-auth - one-shot OAuth bootstrap for gdfs.

Authenticates once against Google Drive and writes the fixed-width
gdfs.auth credential file gdfs reads at mount time. Must be run as root so
it can chown the resulting file to the configured mount user.

Usage: gdfs-auth -o <auth-file> -i <client-id> -s <client-secret> [-n]

`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	authPath := flag.StringP("output", "o", "/etc/gdfs/gdfs.auth", "Path to write the gdfs.auth credential file.")
	clientID := flag.StringP("client-id", "i", "", "OAuth2 client id registered for this gdfs deployment.")
	clientSecret := flag.StringP("client-secret", "s", "", "OAuth2 client secret for the client id above.")
	configPath := flag.StringP("config-file", "f", common.DefaultConfigPath(), "gdfs.conf path, for the mount-user the auth file is chowned to.")
	headless := flag.BoolP("no-browser", "n", false, "Skip launching a browser; print the authorization URL instead.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("gdfs-auth", common.Version())
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "gdfs-auth must be run as root (spec.md §6: OAuth helper).")
		os.Exit(1)
	}

	conf := common.LoadConfig(*configPath)
	id, secret := *clientID, *clientSecret
	if id == "" {
		id = conf.OAuthClientID
	}
	if secret == "" {
		secret = conf.OAuthClientSecret
	}
	if id == "" || secret == "" {
		fmt.Fprintln(os.Stderr, "no OAuth client id/secret given on the command line or in gdfs.conf.")
		flag.Usage()
		os.Exit(1)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/drive"},
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
	}

	token, err := authorize(oauthConfig, *headless)
	if err != nil {
		log.Error().Err(err).Msg("authorization failed")
		os.Exit(1)
	}

	if err := writeAuthFile(*authPath, token, conf.MountUser); err != nil {
		log.Error().Err(err).Msg("failed to write auth file")
		os.Exit(1)
	}
	fmt.Println("Wrote", *authPath)
}

// authorize drives the authorization-code flow: print (and, unless
// -n/--no-browser, also open) the consent URL, read the resulting code from
// stdin, and exchange it for a token. Grounded on
// ginabythebay-mnt-gdrive's getTokenFromWeb, generalized to optionally
// launch xdg-open the way a desktop OAuth helper normally would.
func authorize(config *oauth2.Config, headless bool) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("gdfs-auth", oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Println("Go to the following link in your browser, then enter the resulting code:")
	fmt.Println(authURL)
	if !headless {
		openBrowser(authURL)
	}

	var code string
	if _, err := fmt.Scan(&code); err != nil {
		return nil, fmt.Errorf("could not read authorization code: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return config.Exchange(ctx, code)
}

// openBrowser is a best-effort convenience; a failure here just leaves the
// user to copy the printed URL manually, so its error is logged, not fatal.
func openBrowser(url string) {
	var cmd string
	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
	default:
		cmd = "xdg-open"
	}
	if err := exec.Command(cmd, url).Start(); err != nil {
		log.Warn().Err(err).Msg("could not launch browser automatically")
	}
}

// writeAuthFile encodes token into spec.md's fixed-width gdfs.auth record,
// writes it atomically (temp file + rename, matching
// fs.CredentialStore.SaveToFile's own approach so both agree on layout), and
// chowns it to mountUser so the unprivileged gdfs daemon can read it after
// gdfs-auth's privileged run.
func writeAuthFile(path string, token *oauth2.Token, mountUser string) error {
	buf, err := fs.EncodeAuthRecord(token.AccessToken, token.RefreshToken, token.Expiry.Unix())
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	if mountUser == "" {
		return nil
	}
	u, err := user.Lookup(mountUser)
	if err != nil {
		log.Warn().Err(err).Str("user", mountUser).Msg("could not resolve mount user, leaving auth file root-owned")
		return nil
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	return os.Chown(path, uid, gid)
}
