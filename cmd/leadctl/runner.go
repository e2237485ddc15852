package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/crm/notion"
	"github.com/V4T54L/leadflow/internal/adapter/delivery"
	"github.com/V4T54L/leadflow/internal/adapter/personalize/gemini"
	"github.com/V4T54L/leadflow/internal/adapter/repository/memory"
	"github.com/V4T54L/leadflow/internal/adapter/repository/sqlite"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/V4T54L/leadflow/internal/pkg/config"
	"github.com/V4T54L/leadflow/internal/pkg/leadcsv"
	"github.com/V4T54L/leadflow/internal/pkg/logger"
	"github.com/V4T54L/leadflow/internal/usecase"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Runner holds what every command shares.
type Runner struct {
	out    io.Writer
	logger *slog.Logger
}

func NewRunner(out io.Writer, logLevel string) *Runner {
	if logLevel == "" {
		logLevel = "warn"
	}
	return &Runner{out: out, logger: logger.New(logLevel)}
}

func (r *Runner) register() []*cli.Command {
	dbFlag := &cli.StringFlag{
		Name:    "db",
		Usage:   "SQLite file holding clients, history and checkpoints (in-memory when empty)",
		Sources: cli.EnvVars("LEADCTL_DB"),
	}
	plansFlag := &cli.StringFlag{
		Name:    "plans",
		Usage:   "YAML plan catalog overlaid on the built-in plans",
		Sources: cli.EnvVars("PLANS_FILE"),
	}
	return []*cli.Command{
		{
			Name:  "run",
			Usage: "Run one CSV file through the pipeline",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "csv", Usage: "lead CSV to process", Required: true},
				&cli.StringFlag{Name: "clients", Usage: "YAML list of clients to register before the run"},
				dbFlag,
				plansFlag,
				&cli.StringFlag{Name: "out", Usage: "delivery directory", Value: "./deliveries", Sources: cli.EnvVars("DELIVERY_DIR")},
				&cli.StringFlag{Name: "gemini-key", Usage: "Gemini API key; template copy only when empty", Sources: cli.EnvVars("GEMINI_API_KEY")},
				&cli.StringFlag{Name: "gemini-model", Value: "gemini-2.0-flash", Sources: cli.EnvVars("GEMINI_MODEL")},
				&cli.IntFlag{Name: "window-days", Usage: "dedup window in days, 0 for all history"},
				&cli.BoolFlag{Name: "json", Usage: "print the full batch result as JSON"},
			},
			Action: r.Run,
		},
		{
			Name:  "resume",
			Usage: "Resume an interrupted run from its checkpoint",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "id", Usage: "batch ID", Required: true},
				dbFlag,
				plansFlag,
				&cli.StringFlag{Name: "out", Value: "./deliveries", Sources: cli.EnvVars("DELIVERY_DIR")},
				&cli.IntFlag{Name: "window-days"},
				&cli.BoolFlag{Name: "json"},
			},
			Action: r.Resume,
		},
		{
			Name:  "history",
			Usage: "Inspect and maintain delivery history",
			Commands: []*cli.Command{
				{
					Name:  "prune",
					Usage: "Drop history that no longer affects deduplication",
					Flags: []cli.Flag{
						dbFlag,
						&cli.IntFlag{Name: "window-days"},
						&cli.DurationFlag{Name: "exclusive-retention", Value: usecase.DefaultExclusiveRetention},
					},
					Action: r.PruneHistory,
				},
			},
		},
		{
			Name:   "plans",
			Usage:  "Print the plan catalog",
			Flags:  []cli.Flag{plansFlag},
			Action: r.Plans,
		},
	}
}

// stores bundles the persistence a command runs against.
type stores struct {
	history     domain.HistoryStore
	clients     domain.ClientRepository
	checkpoints domain.CheckpointStore
	close       func() error
}

func openStores(path string) (*stores, error) {
	if path == "" {
		return &stores{
			history:     memory.NewHistoryStore(),
			clients:     memory.NewClientRepository(),
			checkpoints: memory.NewCheckpointStore(),
			close:       func() error { return nil },
		}, nil
	}
	s, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return &stores{history: s, clients: s, checkpoints: s, close: s.Close}, nil
}

func (r *Runner) pipeline(ctx context.Context, cmd *cli.Command, st *stores) (*usecase.Orchestrator, error) {
	cfg := usecase.DefaultPipelineConfig()
	cfg.Dedup.WindowDays = int(cmd.Int("window-days"))

	var personalization domain.PersonalizationService = usecase.TemplatePersonalizer{}
	if key := cmd.String("gemini-key"); key != "" {
		svc, err := gemini.New(ctx, key, cmd.String("gemini-model"), 60, r.logger)
		if err != nil {
			return nil, err
		}
		personalization = svc
	}

	return usecase.NewOrchestrator(usecase.OrchestratorDeps{
		History:         st.history,
		Clients:         st.clients,
		Personalization: personalization,
		Sink:            delivery.NewSink(delivery.NewCSVExporter(cmd.String("out")), nil, nil, r.logger),
		Crm:             notion.Noop{Logger: r.logger},
		Checkpoints:     st.checkpoints,
		Locker:          memory.NewRunLocker(),
	}, cfg, r.logger), nil
}

// Run processes one CSV file.
func (r *Runner) Run(ctx context.Context, cmd *cli.Command) error {
	st, err := openStores(cmd.String("db"))
	if err != nil {
		return err
	}
	defer st.close()

	plans, err := config.LoadPlans(cmd.String("plans"))
	if err != nil {
		return err
	}
	if path := cmd.String("clients"); path != "" {
		if err := r.registerClients(ctx, path, st, plans); err != nil {
			return err
		}
	}

	f, err := os.Open(cmd.String("csv"))
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	rows, err := leadcsv.Read(f, leadcsv.RequiredColumns)
	if err != nil {
		return err
	}

	orch, err := r.pipeline(ctx, cmd, st)
	if err != nil {
		return err
	}
	batch := domain.Batch{
		ID:         uuid.NewString(),
		Source:     filepath.Base(cmd.String("csv")),
		UploadedAt: time.Now().UTC(),
		Rows:       rows,
	}
	res, err := orch.Run(ctx, batch)
	if res != nil {
		r.printResult(res, cmd.Bool("json"))
	}
	return err
}

// Resume continues a checkpointed run. Only meaningful with --db.
func (r *Runner) Resume(ctx context.Context, cmd *cli.Command) error {
	if cmd.String("db") == "" {
		return errors.New("--db is required to resume a run")
	}
	st, err := openStores(cmd.String("db"))
	if err != nil {
		return err
	}
	defer st.close()

	orch, err := r.pipeline(ctx, cmd, st)
	if err != nil {
		return err
	}
	res, err := orch.Resume(ctx, cmd.String("id"))
	if res != nil {
		r.printResult(res, cmd.Bool("json"))
	}
	return err
}

// PruneHistory drops stale history entries.
func (r *Runner) PruneHistory(ctx context.Context, cmd *cli.Command) error {
	if cmd.String("db") == "" {
		return errors.New("--db is required to prune history")
	}
	st, err := openStores(cmd.String("db"))
	if err != nil {
		return err
	}
	defer st.close()

	uc := usecase.NewPruneHistoryUseCase(st.history, usecase.DedupConfig{WindowDays: int(cmd.Int("window-days"))}, cmd.Duration("exclusive-retention"), r.logger)
	n, err := uc.Prune(ctx)
	if err != nil {
		return err
	}
	left, err := st.history.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "removed %d entries, %d remain\n", n, left)
	return nil
}

// Plans prints the plan catalog ordered by priority.
func (r *Runner) Plans(ctx context.Context, cmd *cli.Command) error {
	plans, err := config.LoadPlans(cmd.String("plans"))
	if err != nil {
		return err
	}
	list := make([]domain.Plan, 0, len(plans))
	for _, p := range plans {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].Name < list[j].Name
	})

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tMAX LEADS\tPRIORITY\tAI\tEXCLUSIVE")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%t\n", p.Name, p.MaxLeads, p.Priority, p.AIPersonalization, p.ExclusiveOption)
	}
	return tw.Flush()
}

// registerClients creates the clients listed in a YAML file, skipping those
// already stored.
func (r *Runner) registerClients(ctx context.Context, path string, st *stores, plans map[string]domain.Plan) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read clients file: %w", err)
	}
	var file struct {
		Clients []usecase.NewClientInput `yaml:"clients"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse clients file: %w", err)
	}

	uc := usecase.NewClientUseCase(st.clients, st.history, plans, domain.PeriodMonthly, r.logger)
	for _, in := range file.Clients {
		if in.ID != "" {
			if _, err := st.clients.Get(ctx, in.ID); err == nil {
				continue
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		if _, err := uc.Create(ctx, in); err != nil {
			return fmt.Errorf("client %q: %w", in.Name, err)
		}
	}
	return nil
}

func (r *Runner) printResult(res *domain.BatchResult, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}
	s := res.Summary
	fmt.Fprintf(r.out, "batch %s: %s\n", res.BatchID, res.Status)
	if res.Cause != "" {
		fmt.Fprintf(r.out, "  failed at %s: %s\n", res.FailedStage, res.Cause)
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  received\t%d\n  invalid\t%d\n  duplicates\t%d\n  accepted\t%d\n  delivered\t%d\n  leftover\t%d\n",
		s.Received, s.Invalid, s.DuplicateInBatch+s.DuplicateHistorical, s.Accepted, s.Delivered, s.Leftover)
	tw.Flush()
	for _, rc := range res.Receipts {
		fmt.Fprintf(r.out, "  -> %s: %d leads in %s\n", rc.ClientName, rc.LeadCount, rc.FilePath)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(r.out, "  warning: %s\n", w)
	}
}
