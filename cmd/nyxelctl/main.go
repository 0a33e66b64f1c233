// Package main is a command line client for the Nyxel API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/config"
	"github.com/nyxel/api/internal/logger"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/pkg/apiclient"
	"github.com/nyxel/api/pkg/orchestrator"
)

// CLI flags
var (
	apiURL   string
	token    string
	modelID  string
	prompt   string
	quantity int
	imageURL string
	free     bool
	interval time.Duration
	timeout  time.Duration
	limit    int
	resume   bool
	verbose  bool
)

func init() {
	registerFlags(flag.CommandLine)
	flag.Usage = printUsage
}

func registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&apiURL, "api", "", "API base URL (default $NYXEL_API_URL or http://localhost:8000)")
	fs.StringVar(&token, "token", "", "Bearer token (default $NYXEL_TOKEN)")

	fs.StringVar(&modelID, "model", "", "Model id to generate with")
	fs.StringVar(&modelID, "m", "", "Model id (shorthand)")
	fs.StringVar(&prompt, "prompt", "", "Generation prompt")
	fs.StringVar(&prompt, "p", "", "Generation prompt (shorthand)")
	fs.IntVar(&quantity, "quantity", 1, "Number of outputs (1-4)")
	fs.IntVar(&quantity, "n", 1, "Number of outputs (shorthand)")
	fs.StringVar(&imageURL, "image", "", "Input image URL for image-to-video models")
	fs.BoolVar(&free, "free", false, "Use a free creation if the subscription allows it")

	fs.DurationVar(&interval, "interval", orchestrator.DefaultInterval, "Status poll interval")
	fs.DurationVar(&timeout, "timeout", 15*time.Minute, "Give up waiting after this long")
	fs.IntVar(&limit, "limit", 20, "Number of history items to list")
	fs.BoolVar(&resume, "resume", false, "Also track jobs left pending by earlier sessions")

	fs.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&verbose, "v", false, "Enable debug logging (shorthand)")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `nyxelctl - Nyxel generation client

USAGE:
    nyxelctl [options] <command> [options]

COMMANDS:
    generate     Submit a generation and wait for its outputs
    balance      Show gem and crystal balance
    pending      List in-flight jobs
    history      List recent generations
    models       List the model catalog

CONNECTION:
    -api <url>            API base URL ($NYXEL_API_URL)
    -token <jwt>          Bearer token ($NYXEL_TOKEN)

GENERATE OPTIONS:
    -model, -m <id>       Model id
    -prompt, -p <text>    Prompt
    -quantity, -n <n>     Number of outputs (1-4)
    -image <url>          Input image for image-to-video models
    -free                 Use a free creation
    -interval <dur>       Poll interval (default 3s)
    -timeout <dur>        Stop waiting after this long (default 15m)
    -resume               Also track jobs left pending by earlier sessions

OTHER OPTIONS:
    -limit <n>            History items to list (default 20)
    -verbose, -v          Debug logging

EXAMPLES:
    nyxelctl generate --model 1 --prompt "a cat"
    nyxelctl generate -m civitai-sdxl -p "a lighthouse at dusk" -n 4
    nyxelctl -v balance
`)
}

func main() {
	_ = godotenv.Load()

	cmd, err := parseArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(2)
	}

	if apiURL == "" {
		apiURL = envOr("NYXEL_API_URL", "http://localhost:8000")
	}
	if token == "" {
		token = os.Getenv("NYXEL_TOKEN")
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	log := logger.New(&config.LogConfig{Level: level, Format: "console"})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := apiclient.New(apiURL, token)

	switch cmd {
	case "generate":
		err = runGenerate(ctx, api, log)
	case "balance":
		err = runBalance(ctx, api)
	case "pending":
		err = runPending(ctx, api)
	case "history":
		err = runHistory(ctx, api)
	case "models":
		err = runModels(ctx, api)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		var ic *apiclient.InsufficientCreditsError
		if errors.As(err, &ic) {
			fmt.Fprintf(os.Stderr, "Not enough %s: need %d, have %d\n", ic.CreditType, ic.Required, ic.Remaining)
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs accepts options on either side of the command, so both
// "nyxelctl -m 1 generate" and "nyxelctl generate -m 1" work.
func parseArgs(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", errors.New("missing command")
	}
	cmd := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return cmd, nil
}

func runGenerate(ctx context.Context, api *apiclient.Client, log *zap.Logger) error {
	if modelID == "" || prompt == "" {
		return errors.New("-model and -prompt are required")
	}

	failures := 0
	orch := orchestrator.New(api,
		orchestrator.WithInterval(interval),
		orchestrator.WithLogger(log),
		orchestrator.OnItems(printItems),
		orchestrator.OnFailed(func(job model.PendingJob, reason string) {
			failures++
			fmt.Fprintf(os.Stderr, "FAILED  %s  %s\n", job.Key(), reason)
		}),
	)
	defer orch.Close()

	if resume {
		n, err := orch.Resume(ctx)
		if err != nil {
			return fmt.Errorf("failed to load pending jobs: %w", err)
		}
		if n > 0 {
			log.Info("resumed pending jobs", zap.Int("count", n))
		}
	}

	resp, err := orch.Submit(ctx, &model.GenerateRequest{
		ModelID:      modelID,
		Prompt:       prompt,
		Quantity:     quantity,
		FreeCreation: free,
		ImageURL:     imageURL,
	})
	if err != nil {
		return err
	}
	if resp.Status == model.JobStatusProcessing {
		ref := resp.JobID
		if ref == "" {
			ref = resp.Token
		}
		log.Info("job submitted", zap.String("provider", string(resp.Provider)), zap.String("ref", ref))
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := orch.Wait(waitCtx); err != nil {
		return fmt.Errorf("stopped waiting with %d job(s) still pending: %w", len(orch.Pending()), err)
	}
	if failures > 0 {
		return fmt.Errorf("%d job(s) failed", failures)
	}
	return nil
}

func runBalance(ctx context.Context, api *apiclient.Client) error {
	bal, err := api.Balance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("gems:     %d\ncrystals: %d\n", bal.Gems, bal.Crystals)
	return nil
}

func runPending(ctx context.Context, api *apiclient.Client) error {
	jobs, err := api.Pending(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No pending jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%-40s %-6s %-20s %s\n", j.Key(), j.MediaType, j.ModelID, truncate(j.Prompt, 40))
	}
	return nil
}

func runHistory(ctx context.Context, api *apiclient.Client) error {
	items, err := api.History(ctx, limit)
	if err != nil {
		return err
	}
	printItems(items)
	return nil
}

func runModels(ctx context.Context, api *apiclient.Client) error {
	models, err := api.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		unit := ""
		if m.PerUnit {
			unit = " each"
		}
		fmt.Printf("%-24s %-8s %-6s %d %s%s\n", m.ID, m.Provider, m.MediaType, m.Cost, m.CreditType, unit)
	}
	return nil
}

func printItems(items []model.GeneratedItem) {
	for _, it := range items {
		fmt.Printf("%s  %-6s  %s  %s\n", it.CreatedAt.Local().Format(time.DateTime), it.MediaType, it.MediaURL, truncate(it.Prompt, 40))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
