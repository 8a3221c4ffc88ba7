package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/schollz/progressbar/v3"

	"github.com/chriskillpack/imganalyzer"
	"github.com/chriskillpack/imganalyzer/config"
	"github.com/chriskillpack/imganalyzer/notify"
	"github.com/chriskillpack/imganalyzer/provider"
	"github.com/chriskillpack/imganalyzer/vault"
)

var (
	vaultPath   = flag.String("vault", ".", "Path to the Obsidian vault")
	configFile  = flag.String("config", "", "TOML or JSON file applied over the stored settings")
	dbPath      = flag.String("db", "", "Path to the analysis journal, defaults to the plugin directory")
	providerID  = flag.String("provider", "", "Provider to use: ollama, gemini, openai or llamacpp")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	count       = flag.Int("count", -1, "Number of items to process")
	maxAttempts = flag.Int("attempts", 3, "Skip images that failed this many times")
	port        = flag.String("port", "8080", "Port serve listens on")

	lameduck atomic.Bool
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: imganalyzer [flags] <command> [args]

Commands:
  analyze <image>...  describe images, printing the descriptions
  scan                describe every image in the vault not yet described
  watch               describe images as they are added to the vault
  serve               serve the HTTP API
  remove <image>...   drop cached descriptions
  clear-cache         drop every cached description
  models              list the models offered by the active provider
  pull <model>        download a model onto the Ollama server
  history             list the most recent analyses

Flags:
`)
	flag.PrintDefaults()
}

// loadSettings layers the stored settings, the -config file, the
// environment and the flags.
func loadSettings(store *config.Store) (*config.Settings, error) {
	s, err := store.Load()
	if err != nil {
		return nil, err
	}
	if *configFile != "" {
		if err := config.LoadFile(s, *configFile); err != nil {
			return nil, err
		}
	}
	s.ApplyEnv()
	if *providerID != "" {
		s.Provider = provider.ID(*providerID)
	}
	if *debug {
		s.Debug = true
	}
	return s, s.Validate()
}

func openJournal(ctx context.Context, d *vault.Dir) (*imganalyzer.DB, error) {
	fname := *dbPath
	if fname == "" {
		dir := path.Join(vault.ConfigDir, config.PluginDir)
		if err := d.Mkdir(dir); err != nil {
			return nil, err
		}
		fname = filepath.Join(d.Root(), filepath.FromSlash(dir), "imganalyzer.db")
	}
	return imganalyzer.NewDB(ctx, fname)
}

// vaultPaths maps command line arguments, relative to the working
// directory, to vault-relative paths.
func vaultPaths(d *vault.Dir, args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		rel, err := d.Rel(abs)
		if err != nil {
			return nil, err
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

func run(ctx context.Context, cmd string, args []string) error {
	d, err := vault.Open(*vaultPath)
	if err != nil {
		return err
	}
	store := config.NewStore(d, vault.ConfigDir)
	settings, err := loadSettings(store)
	if err != nil {
		return err
	}
	if settings.Debug {
		log.SetLevel(log.DebugLevel)
	}

	db, err := openJournal(ctx, d)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := imganalyzer.Init(ctx, imganalyzer.InitOptions{
		Vault:    d,
		Settings: settings,
		Store:    store,
		Notifier: notify.Log(log.Log),
		Log:      log.Log,
		HttpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		DB: db,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	switch cmd {
	case "analyze":
		return runAnalyze(ctx, p, d, args)
	case "scan":
		return runScan(ctx, p, d, db)
	case "watch":
		return runWatch(ctx, p, d, db)
	case "serve":
		return runServe(ctx, p, db)
	case "remove":
		paths, err := vaultPaths(d, args)
		if err != nil {
			return err
		}
		for _, rel := range paths {
			if err := p.RemoveFromCache(rel); err != nil {
				return err
			}
			if err := db.ResetImage(ctx, rel); err != nil {
				return err
			}
			log.WithField("path", rel).Info("removed from cache")
		}
		return nil
	case "clear-cache":
		if err := p.ClearCache(); err != nil {
			return err
		}
		if err := db.ResetAll(ctx); err != nil {
			return err
		}
		log.Info("cache cleared")
		return nil
	case "models":
		// Discovered models only show up once the provider listed them
		select {
		case <-p.Checked():
		case <-ctx.Done():
			return ctx.Err()
		}
		printModels(p)
		return nil
	case "pull":
		if len(args) != 1 {
			return fmt.Errorf("pull takes exactly one model name")
		}
		return runPull(ctx, p.Provider(), args[0])
	case "history":
		return printHistory(ctx, db)
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func runAnalyze(ctx context.Context, p *imganalyzer.Plugin, d *vault.Dir, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("analyze needs at least one image")
	}
	paths, err := vaultPaths(d, args)
	if err != nil {
		return err
	}

	var failed int
	for _, rel := range paths {
		text, err := p.AnalyzeWithNotice(ctx, rel)
		if err != nil {
			failed++
			continue
		}
		fmt.Printf("%s: %s\n", rel, text)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(paths))
	}
	return nil
}

func runPull(ctx context.Context, prov provider.Provider, model string) error {
	puller, ok := prov.(provider.Puller)
	if !ok {
		return fmt.Errorf("provider %s cannot pull models", prov.ID())
	}

	bar := progressbar.NewOptions64(
		-1,
		progressbar.OptionSetDescription("Pulling "+model),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
	var total int64
	err := puller.Pull(ctx, model, func(pp provider.PullProgress) {
		if pp.Total > 0 && pp.Total != total {
			total = pp.Total
			bar.ChangeMax64(total)
		}
		if pp.Completed > 0 {
			bar.Set64(pp.Completed)
		}
		bar.Describe(fmt.Sprintf("Pulling %s: %s", model, pp.Status))
	})
	bar.Finish()
	if err != nil {
		return err
	}
	log.WithField("model", model).Info("model pulled")
	return nil
}

// sighandler puts the process into lame duck on the first signal, letting
// the current image finish, and cancels on the second. Commands without a
// natural stopping point are cancelled right away.
func sighandler(ch chan os.Signal, cancel context.CancelFunc, graceful bool) {
	for {
		<-ch
		if lameduck.Load() || !graceful {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			cancel()
			return
		}
		fmt.Println("SIGINT received, stopping...")
		lameduck.Store(true)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.SetHandler(cli.Default)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go sighandler(sigch, cancel, cmd == "scan")

	if err := run(ctx, cmd, args); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal(cmd)
	}
}
