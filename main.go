// wwmtext: game text localization tools for dictionary merge and Gemini
// Chinese-to-Vietnamese translation.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hako/durafmt"
	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/wwmviet/wwmtext/config"
	"github.com/wwmviet/wwmtext/gemini"
	"github.com/wwmviet/wwmtext/i18n"
	"github.com/wwmviet/wwmtext/lockfile"
	"github.com/wwmviet/wwmtext/logging"
	"github.com/wwmviet/wwmtext/merge"
	"github.com/wwmviet/wwmtext/settings"
	"github.com/wwmviet/wwmtext/translate"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var logger = logging.New(os.Stderr)

func logInfo(format string, args ...any)    { logger.Infof(format, args...) }
func logSuccess(format string, args ...any) { logger.Success(format, args...) }
func logWarning(format string, args ...any) { logger.Warnf(format, args...) }
func logError(format string, args ...any)   { logger.Errorf(format, args...) }

// ---------------------------------------------------------------------------
// Global flags and settings
// ---------------------------------------------------------------------------

var (
	configPath string
	logFile    string
	uiLang     string
	verbose    bool

	cfg = config.Defaults()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wwmtext",
		Short: "Merge and translate game text dictionaries",
		Long: `wwmtext: localization tools for game text dictionaries.

Commands:
  merge       Merge base text dictionaries with patch files
  translate   Translate a folder of JSON pages with Gemini
  auth        Manage stored Gemini API keys

Settings are read from .wwmtext.yaml and .env in the working directory,
then from the environment (GEMINI_MODEL, GEMINI_BASE_URL, PARALLEL_WORKERS,
WWMTEXT_LOG_FILE); command-line flags take precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Close()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./"+config.FileName+")")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file (rotated)")
	root.PersistentFlags().StringVar(&uiLang, "ui-lang", "", "Language of wwmtext messages (default from LANG)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	_ = root.RegisterFlagCompletionFunc("ui-lang", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return append([]string{"en"}, i18n.Languages()...), cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newMergeCmd(),
		newTranslateCmd(),
		newAuthCmd(),
		newVersionCmd(),
	)

	return root
}

func setup() error {
	s, err := config.Load(".", configPath)
	if err != nil {
		return err
	}
	cfg = s

	lang := uiLang
	if lang == "" {
		lang = cfg.Language
	}
	i18n.Init(lang)
	if lang != "" && !i18n.Supported(lang) {
		logWarning("No %s translation of wwmtext messages (available: en, %s); using English", lang, strings.Join(i18n.Languages(), ", "))
	}
	for _, w := range cfg.Warnings {
		logWarning("%s", w)
	}

	logger.SetVerbose(verbose)
	path := logFile
	if path == "" {
		path = cfg.LogFile
	}
	if path != "" {
		if err := logger.AddFile(path); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		_ = logger.Close()
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wwmtext version %s\n", version)
			fmt.Fprintf(out, "  commit:    %s\n", commit)
			fmt.Fprintf(out, "  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// merge
// ---------------------------------------------------------------------------

func newMergeCmd() *cobra.Command {
	var (
		miss     bool
		dryRun   bool
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "merge <base_dir> <patch_dir>",
		Short: "Merge base text dictionaries with patch files",
		Long: `Merge every <base_dir>/text/*.json dictionary, apply the patch files in
<patch_dir> (except missing.json) and write <base_dir>/entries.json.

Patch values may be a string, an array (the last element wins) or an object
(the value of its last key wins). Patch keys absent from the base are ignored.

With --miss, base keys that no patch mentions are written as pages to
<base_dir>/missing/missing_00001.json, missing_00002.json, ...

Examples:
  wwmtext merge ./data ./patches
  wwmtext merge ./data ./patches --miss
  wwmtext merge ./data ./patches --miss --dry-run`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(args[0], args[1], miss, dryRun, pageSize)
		},
	}

	cmd.Flags().BoolVar(&miss, "miss", false, "Write untranslated keys to <base_dir>/missing/")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report counts without writing files")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Entries per missing page (default 265)")

	return cmd
}

func runMerge(baseDir, patchDir string, miss, dryRun bool, pageSize int) error {
	if pageSize <= 0 {
		pageSize = cfg.PageSize
	}

	res, err := merge.Run(merge.Options{
		BaseDir:     baseDir,
		PatchDir:    patchDir,
		SaveMissing: miss,
		PageSize:    pageSize,
		DryRun:      dryRun,
		OnLog:       func(format string, args ...any) { logInfo(i18n.T(format), args...) },
		OnWarn:      func(format string, args ...any) { logError(i18n.T(format), args...) },
	})
	if err != nil {
		return err
	}

	var skipped *multierror.Error
	if errors.As(res.Skipped, &skipped) {
		n := len(skipped.Errors)
		logWarning(i18n.N("%d patch file was skipped", "%d patch files were skipped", n), n)
	}

	if dryRun {
		logInfo(i18n.T("Dry run: %d entries would be written to %s"), res.Merged.Len(), filepath.Join(baseDir, merge.EntriesFileName))
		return nil
	}
	logSuccess(i18n.T("Merged text files %s into %s"), patchDir, res.EntriesPath)
	return nil
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

type translateArgs struct {
	source, output string

	apiKeys     []string
	model       string
	baseURL     string
	workers     int
	timeout     time.Duration
	proxy       string
	temperature float64
	rpm         int
	maxRetries  int
	backoff     time.Duration

	runID  string
	resume bool
	dryRun bool
}

func newTranslateCmd() *cobra.Command {
	var a translateArgs

	cmd := &cobra.Command{
		Use:   "translate <source_folder> <output_folder>",
		Short: "Translate a folder of JSON pages with Gemini",
		Long: `Send every JSON file of <source_folder> to Gemini with a Chinese-to-Vietnamese
translation instruction and write the JSON answer into <output_folder>.

Outputs are named after a run identifier (YYWWDHHMM): missing_00012.json
becomes p<run>_00012.json, any other file becomes t<run>_<file>. Outputs that
already exist are skipped, so a rerun with the same identifier (--run-id or
--resume) only translates what is left.

API keys come from --api-key, GEMINI_API_KEY, GEMINI_API_KEY_2..10 and keys
stored with 'wwmtext auth add'. With several keys, files are split among
parallel workers, one key each.

Examples:
  wwmtext translate ./data/missing ./translated
  wwmtext translate ./data/missing ./translated --resume
  wwmtext translate ./data/missing ./translated --workers 3 --dry-run`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.source, a.output = args[0], args[1]
			applyTranslateSettings(cmd, &a)
			return runTranslate(cmd.Context(), a)
		},
	}

	cmd.Flags().StringArrayVar(&a.apiKeys, "api-key", nil, "Gemini API key (repeatable)")
	cmd.Flags().StringVar(&a.model, "model", "", "Model name (default gemini-1.5-flash)")
	cmd.Flags().StringVar(&a.baseURL, "base-url", "", "Custom API base URL")
	cmd.Flags().IntVar(&a.workers, "workers", 0, "Maximum parallel workers (default: one per key)")
	cmd.Flags().DurationVar(&a.timeout, "timeout", 0, "Request timeout (default 5m)")
	cmd.Flags().StringVar(&a.proxy, "proxy", "", "HTTP/HTTPS proxy URL")
	cmd.Flags().Float64Var(&a.temperature, "temperature", 0, "Sampling temperature (default: model default)")
	cmd.Flags().IntVar(&a.rpm, "rpm", 0, "Maximum requests per minute per key (0 = unlimited)")
	cmd.Flags().IntVar(&a.maxRetries, "max-retries", 3, "Maximum retries on rate limit (429)")
	cmd.Flags().DurationVar(&a.backoff, "backoff", 30*time.Second, "First rate-limit wait, doubled on each retry")
	cmd.Flags().StringVar(&a.runID, "run-id", "", "Reuse this run identifier (9 digits)")
	cmd.Flags().BoolVar(&a.resume, "resume", false, "Reuse the latest run identifier found in the output folder")
	cmd.Flags().BoolVar(&a.dryRun, "dry-run", false, "List pending files without calling the API")

	_ = cmd.RegisterFlagCompletionFunc("model", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash", "gemini-2.5-flash"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// applyTranslateSettings fills flags the user did not set from cfg.
func applyTranslateSettings(cmd *cobra.Command, a *translateArgs) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if !set("model") {
		a.model = cfg.Model
	}
	if !set("base-url") {
		a.baseURL = cfg.BaseURL
	}
	if !set("workers") {
		a.workers = cfg.Workers
	}
	if !set("timeout") {
		a.timeout = cfg.Timeout
	}
	if !set("proxy") {
		a.proxy = cfg.Proxy
	}
	if !set("temperature") {
		a.temperature = cfg.Temperature
	}
	if !set("rpm") {
		a.rpm = cfg.RequestsPerMinute
	}
}

func runTranslate(ctx context.Context, a translateArgs) error {
	if info, err := os.Stat(a.source); err != nil || !info.IsDir() {
		return fmt.Errorf(i18n.T("Source folder %s does not exist"), a.source)
	}

	keys := config.APIKeys(a.apiKeys, config.EnvKeys(os.Getenv), settings.Keys())
	if len(keys) == 0 {
		return errors.New(i18n.T("No GEMINI_API_KEY found in environment variables"))
	}
	logSuccess(i18n.N("Loaded %d API key", "Loaded %d API keys", len(keys)), len(keys))

	runID, err := resolveRunID(a.runID, a.resume, a.output, time.Now())
	if err != nil {
		return err
	}

	jobs, err := translate.ListJobs(a.source, a.output, runID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		logSuccess(i18n.T("No JSON files to translate"))
		return nil
	}
	logSuccess(i18n.N("Found %d file to translate", "Found %d files to translate", len(jobs)), len(jobs))
	logInfo(i18n.T("Run identifier: %s"), runID)

	lock, err := lockfile.Load(a.output)
	if err != nil {
		return err
	}
	if a.dryRun || a.resume {
		logInfo(i18n.T("Lock file: %s"), lock.Summary())
	}

	client := gemini.NewClient(gemini.Config{
		BaseURL:     a.baseURL,
		Model:       a.model,
		Timeout:     a.timeout,
		Proxy:       a.proxy,
		Temperature: a.temperature,
	})

	ui := &console{}
	driver, err := translate.NewDriver(client, keys, translate.Options{
		SystemPrompt:      cfg.Prompt,
		Acknowledgement:   cfg.Acknowledgement,
		Workers:           a.workers,
		Backoff:           translate.Schedule{Base: a.backoff, MaxRetries: a.maxRetries},
		RequestsPerMinute: a.rpm,
		DryRun:            a.dryRun,
		Lock:              lock,
		OnLog:             ui.wrap(logInfo),
		OnWarn:            ui.wrap(logWarning),
		OnError:           ui.wrap(logError),
		OnProgress:        ui.report,
	})
	if err != nil {
		return err
	}

	workers := driver.Workers(len(jobs))
	logger.Debugf("model %s, %d workers", client.Model(), workers)
	if workers > 1 {
		logInfo(i18n.T("Starting %d parallel workers..."), workers)
	} else if !a.dryRun {
		ui.startBar(len(jobs))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, runErr := driver.Run(ctx, jobs)
	ui.finish()

	printSummary(sum, a.dryRun)
	if runErr != nil {
		logger.Debugf("run errors: %v", runErr)
		reportRunErrors(runErr)
	}
	if ctx.Err() != nil {
		logWarning(i18n.T("Interrupted: %d files were not started. Rerun with --resume to continue."), sum.NotRun())
	}
	return nil
}

// reportRunErrors warns about run errors other than job failures and the
// interrupt, which the summary already reports.
func reportRunErrors(err error) {
	errs := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	}
	for _, e := range errs {
		var jobErr *translate.JobError
		if e == nil || errors.As(e, &jobErr) || errors.Is(e, context.Canceled) {
			continue
		}
		logWarning("%v", e)
	}
}

// resolveRunID picks the run identifier: an explicit one, the latest one in
// outDir when resuming, or a fresh one for now.
func resolveRunID(explicit string, resume bool, outDir string, now time.Time) (string, error) {
	if explicit != "" {
		if !translate.ValidRunID(explicit) {
			return "", fmt.Errorf(i18n.T("invalid run identifier %q: want 9 digits (YYWWDHHMM)"), explicit)
		}
		return explicit, nil
	}
	if resume {
		latest, err := translate.LatestRunID(outDir)
		if err != nil {
			return "", err
		}
		if latest != "" {
			return latest, nil
		}
		logWarning(i18n.T("No earlier run found in %s, starting a new one"), outDir)
	}
	return translate.RunID(now), nil
}

func printSummary(sum translate.Summary, dryRun bool) {
	fmt.Fprintln(os.Stderr)
	if dryRun {
		logInfo(i18n.T("Dry run: %d to translate, %d already translated"), sum.Pending, sum.Skipped)
		return
	}
	logSuccess(i18n.T("Translation completed!"))
	fmt.Fprintf(os.Stderr, "   %s %d/%d\n", i18n.T("Success:"), sum.Succeeded+sum.Skipped, sum.Total)
	fmt.Fprintf(os.Stderr, "   %s %d/%d\n", i18n.T("Failed:"), sum.Failed, sum.Total)
	if sum.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "   %s %d\n", i18n.T("Already translated:"), sum.Skipped)
	}
	if sum.Succeeded > 0 {
		fmt.Fprintf(os.Stderr, "   %s %s\n", i18n.T("Average time per file:"), formatDuration(sum.AvgTime))
	}
	fmt.Fprintf(os.Stderr, "   %s %s\n", i18n.T("Total time:"), formatDuration(sum.Elapsed))
	for _, name := range sum.FailedJobs {
		fmt.Fprintf(os.Stderr, "   ✗ %s\n", name)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

// console renders driver progress: a progress bar with one worker, tagged
// lines with several.
type console struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (c *console) startBar(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(i18n.T("Translating")),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

// wrap makes log lines print above the progress bar.
func (c *console) wrap(fn func(string, ...any)) func(string, ...any) {
	return func(format string, args ...any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.bar != nil {
			_ = c.bar.Clear()
		}
		fn(format, args...)
	}
}

func (c *console) report(p translate.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		c.bar.Describe(fmt.Sprintf("[cyan]%s[reset]", p.Job.Name))
		_ = c.bar.Add(1)
		return
	}
	fmt.Fprintln(os.Stderr, progressLine(p))
}

func (c *console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		_ = c.bar.Finish()
		c.bar = nil
	}
}

// progressLine formats one parallel-mode progress line.
func progressLine(p translate.Progress) string {
	prefix := fmt.Sprintf("[Worker %d] [%d/%d] %s", p.Worker, p.Done, p.Total, p.Job.Name)
	switch p.Status {
	case translate.StatusTranslated:
		return fmt.Sprintf("✓ %s (%.1fs) - ETA: %s", prefix, p.Elapsed.Seconds(), formatDuration(p.ETA))
	case translate.StatusSkipped:
		return fmt.Sprintf("✓ %s (%s)", prefix, i18n.T("already translated"))
	case translate.StatusPending:
		return fmt.Sprintf("· %s -> %s", prefix, filepath.Base(p.Job.Output))
	default:
		return fmt.Sprintf("✗ %s %s", prefix, i18n.T("FAILED"))
	}
}

// ---------------------------------------------------------------------------
// auth
// ---------------------------------------------------------------------------

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored Gemini API keys",
		Long: `Manage the Gemini API keys stored in ` + settings.FilePath() + `.

Stored keys are used after --api-key flags and GEMINI_API_KEY* variables.
Get a key from https://aistudio.google.com/apikey.

Examples:
  wwmtext auth add AIza...        Store a key
  wwmtext auth add                Prompt for a key
  wwmtext auth list               Show stored and environment keys
  wwmtext auth remove 2           Remove the second stored key
  wwmtext auth remove --all       Remove every stored key`,
	}

	cmd.AddCommand(
		newAuthAddCmd(),
		newAuthListCmd(),
		newAuthRemoveCmd(),
	)

	return cmd
}

func newAuthAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [key...]",
		Short: "Store one or more Gemini API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := args
			if len(keys) == 0 {
				fmt.Fprintf(os.Stderr, "  %s", i18n.T("Enter API key: "))
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return errors.New(i18n.T("No input received"))
				}
				keys = []string{scanner.Text()}
			}
			for _, k := range keys {
				added, err := settings.AddKey(k)
				if err != nil {
					return fmt.Errorf(i18n.T("Failed to save API key: %w"), err)
				}
				if added {
					logSuccess(i18n.T("API key %s saved"), settings.MaskKey(strings.TrimSpace(k)))
				} else {
					logInfo(i18n.T("API key %s is already stored"), settings.MaskKey(strings.TrimSpace(k)))
				}
			}
			return nil
		},
	}
}

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show stored and environment API keys",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", i18n.T("Stored keys"), settings.FilePath())
			stored := settings.Keys()
			if len(stored) == 0 {
				fmt.Fprintf(out, "  %s\n", i18n.T("none"))
			}
			for i, k := range stored {
				fmt.Fprintf(out, "  %d. %s\n", i+1, settings.MaskKey(k))
			}

			fmt.Fprintln(out, i18n.T("Environment keys"))
			env := config.EnvKeys(os.Getenv)
			if len(env) == 0 {
				fmt.Fprintf(out, "  %s\n", i18n.T("none"))
			}
			for _, k := range env {
				fmt.Fprintf(out, "  %s\n", settings.MaskKey(k))
			}
		},
	}
}

func newAuthRemoveCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "remove <key|masked key|number>",
		Short: "Remove a stored API key",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				if err := settings.RemoveAll(); err != nil {
					return err
				}
				logSuccess(i18n.T("All stored API keys removed"))
				return nil
			}
			removed, err := settings.RemoveKey(args[0])
			if err != nil {
				return err
			}
			logSuccess(i18n.T("API key %s removed"), settings.MaskKey(removed))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every stored key")
	return cmd
}
