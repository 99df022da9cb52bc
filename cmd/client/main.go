package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/parley/pkg/client"
	"github.com/NicolasHaas/parley/pkg/logging"
	"github.com/NicolasHaas/parley/pkg/version"
)

func main() {
	_ = godotenv.Load()

	// Default to "warn" so log lines don't interleave with chat output.
	_ = logging.Setup(logging.FromEnv(logging.Options{
		Level:   "warn",
		Format:  "text",
		Output:  os.Stderr,
		Service: "parley",
	}))

	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	url          string
	username     string
	bookmark     string
	saveBookmark string
	settings     string
	bookmarks    string
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Terminal client for parley chat servers",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), fs, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.settings, "settings", client.SettingsPath(), "Settings file")
	f.StringVar(&opts.bookmarks, "bookmarks", "", "Bookmarks file (default: servers.yaml next to the settings)")
	root.Flags().StringVarP(&opts.url, "url", "u", "", "Server WebSocket URL (e.g. ws://localhost:3000/ws)")
	root.Flags().StringVarP(&opts.username, "name", "n", "", "Username to join as")
	root.Flags().StringVarP(&opts.bookmark, "bookmark", "b", "", "Connect using a saved bookmark")
	root.Flags().StringVar(&opts.saveBookmark, "save-bookmark", "", "Save the connection under this bookmark name")

	root.AddCommand(newBookmarksCmd(fs, &opts))
	return root
}

func newBookmarksCmd(fs afero.Fs, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bookmarks",
		Short: "List saved servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bs := client.NewBookmarkStore(fs, opts.bookmarks)
			if err := bs.Load(); err != nil {
				return fmt.Errorf("load bookmarks: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(bs.Bookmarks) == 0 {
				fmt.Fprintln(out, "no bookmarks")
				return nil
			}
			for _, b := range bs.Bookmarks {
				last := "never"
				if b.LastUsed > 0 {
					last = time.Unix(b.LastUsed, 0).Format(time.DateTime)
				}
				fmt.Fprintf(out, "%-12s %-40s %-16s %s\n", b.Name, b.URL, b.Username, last)
			}
			return nil
		},
	}
}

// resolve fills url and username from flags, a bookmark and settings, in
// that order of precedence.
func resolve(opts options, settings *client.Settings, bs *client.BookmarkStore) (url, username string, err error) {
	url, username = opts.url, opts.username
	if opts.bookmark != "" {
		b := bs.Find(opts.bookmark)
		if b == nil {
			return "", "", fmt.Errorf("unknown bookmark %q", opts.bookmark)
		}
		if url == "" {
			url = b.URL
		}
		if username == "" {
			username = b.Username
		}
	}
	if url == "" {
		url = settings.ServerURL
	}
	if username == "" {
		username = settings.Username
	}
	if username == "" {
		return "", "", fmt.Errorf("no username: pass --name or set one in %s", client.SettingsPath())
	}
	return url, username, nil
}

func run(ctx context.Context, fs afero.Fs, opts options, in io.Reader, out io.Writer) error {
	settings := client.LoadSettings(fs, opts.settings)
	bs := client.NewBookmarkStore(fs, opts.bookmarks)
	if err := bs.Load(); err != nil {
		return fmt.Errorf("load bookmarks: %w", err)
	}

	url, username, err := resolve(opts, settings, bs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := client.NewEngine()
	term := newTerminal(out, settings)
	term.attach(engine)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := engine.Connect(dialCtx, url); err != nil {
		return err
	}
	defer engine.Disconnect()

	if err := engine.Join(username); err != nil {
		return err
	}

	if opts.saveBookmark != "" {
		bs.Add(client.Bookmark{Name: opts.saveBookmark, URL: url, Username: username})
	}
	if bs.Touch(url, username, time.Now().Unix()) || opts.saveBookmark != "" {
		if err := bs.Save(); err != nil {
			term.printf("! could not save bookmarks: %v", err)
		}
	}

	term.printf("* connected to %s as %s (/help for commands)", url, username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-term.disconnected:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(engine, term, line)
			if err != nil {
				term.printf("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}
