package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/redis/go-redis/v9"

	"haulledger.org/internal/auth"
	"haulledger.org/internal/config"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/lock"
	"haulledger.org/internal/rebuild"
	"haulledger.org/internal/report"
	"haulledger.org/internal/store"
)

var commands = []subcommands.Command{
	&rebuildLedgerCmd{},
	&rebuildDocsCmd{name: "rebuild-buckets", what: "monthly buckets"},
	&rebuildDocsCmd{name: "rebuild-attendance", what: "attendance calendars"},
	&rebuildDocsCmd{name: "rebuild-analytics", what: "the analytics document"},
	&sweepCmd{},
	&exportCmd{},
	&tokenCmd{},
}

// env is what every store-backed command needs.
type env struct {
	cfg    config.Config
	store  ledger.Store
	engine *rebuild.Engine
	close  func()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { _ = s.Close() }}

	var opts []rebuild.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rdb.Close() })
		opts = append(opts,
			rebuild.WithLocker(lock.NewRedis(rdb, "haulledger:lock:")),
			rebuild.WithCheckpoints(lock.NewRedisCheckpoints(rdb, "haulledger:checkpoint:", 7*24*time.Hour)),
		)
	}
	return &env{
		cfg:    cfg,
		store:  s,
		engine: rebuild.New(s, opts...),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

// runFlags are shared by the rebuild commands.
type runFlags struct {
	org     string
	fy      string
	confirm bool
	resume  bool
	batch   int
}

func (r *runFlags) register(f *flag.FlagSet) {
	f.StringVar(&r.org, "org", "", "Organization id.")
	f.StringVar(&r.fy, "fy", "", "Financial year label, e.g. 2425 (defaults to the current one).")
	f.BoolVar(&r.confirm, "confirm", false, "Write the recomputed documents. Without it the run is dry.")
	f.BoolVar(&r.resume, "resume", false, "Continue after the last saved checkpoint.")
	f.IntVar(&r.batch, "batch", 0, "Operations per commit (max 500).")
}

func (r *runFlags) year() string {
	if r.fy != "" {
		return r.fy
	}
	return ledger.ResolveFinancialYear(time.Now())
}

func (r *runFlags) options() rebuild.Options {
	return rebuild.Options{DryRun: !r.confirm, BatchSize: r.batch, Resume: r.resume}
}

type rebuildLedgerCmd struct {
	runFlags
	kind   string
	entity string
}

func (*rebuildLedgerCmd) Name() string { return "rebuild-ledger" }
func (*rebuildLedgerCmd) Synopsis() string {
	return "recompute one ledger account from the transaction log"
}
func (*rebuildLedgerCmd) Usage() string {
	return `ledgerctl rebuild-ledger -kind <kind> -entity <id> [-fy <fy>] [-org <org>] [-confirm]

  Recomputes the balance, counters and first/last pointers of one ledger and
  mirrors the balance onto the entity profile.
`
}

func (c *rebuildLedgerCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.kind, "kind", "", "Ledger kind: receivable, payable, payroll or expense.")
	f.StringVar(&c.entity, "entity", "", "Entity id (client, vendor, employee or organization).")
}

func (c *rebuildLedgerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	kind, err := ledger.ParseKind(c.kind)
	if err != nil {
		return fail(err)
	}
	if strings.TrimSpace(c.entity) == "" {
		return fail(fmt.Errorf("-entity is required"))
	}
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	key := ledger.AccountKey{Kind: kind, EntityID: c.entity, FinancialYear: c.year()}
	res, err := e.engine.RebuildLedger(ctx, key, c.org, c.options())
	if err != nil {
		return fail(err)
	}
	return printJSON(res)
}

// rebuildDocsCmd covers the organization-wide document rebuilds.
type rebuildDocsCmd struct {
	runFlags
	name string
	what string
}

func (c *rebuildDocsCmd) Name() string { return c.name }
func (c *rebuildDocsCmd) Synopsis() string {
	return "regenerate " + c.what + " of an organization year"
}
func (c *rebuildDocsCmd) Usage() string {
	return "ledgerctl " + c.name + " -org <org> [-fy <fy>] [-confirm] [-resume] [-batch <n>]\n"
}

func (c *rebuildDocsCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *rebuildDocsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.org == "" {
		return fail(fmt.Errorf("-org is required"))
	}
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	var sum rebuild.Summary
	switch c.name {
	case "rebuild-buckets":
		sum, err = e.engine.RebuildMonthlyBuckets(ctx, c.org, c.year(), c.options())
	case "rebuild-attendance":
		sum, err = e.engine.RebuildAttendance(ctx, c.org, c.year(), c.options())
	case "rebuild-analytics":
		sum, err = e.engine.RebuildAnalytics(ctx, c.org, c.year(), c.options())
	default:
		err = fmt.Errorf("unknown rebuild %q", c.name)
	}
	if err != nil {
		return fail(err)
	}
	status := printJSON(sum)
	if sum.Failed > 0 {
		return subcommands.ExitFailure
	}
	return status
}

type sweepCmd struct {
	runFlags
}

func (*sweepCmd) Name() string { return "sweep" }
func (*sweepCmd) Synopsis() string {
	return "rebuild every derived document of one or all organizations"
}
func (*sweepCmd) Usage() string {
	return `ledgerctl sweep [-org <org>] [-fy <fy>] [-confirm]

  Without -org every organization that has transactions or ledgers is swept.
  The per-organization tallies are always printed; the exit status is
  non-zero when any document failed.
`
}

func (c *sweepCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *sweepCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	var reports []rebuild.SweepReport
	if c.org != "" {
		rep, err := e.engine.SweepOrganization(ctx, c.org, c.year(), c.options())
		if err != nil {
			return fail(err)
		}
		reports = append(reports, rep)
	} else {
		reports, err = e.engine.SweepAll(ctx, c.year(), c.options())
		if err != nil {
			return fail(err)
		}
	}
	status := printJSON(reports)
	for _, rep := range reports {
		if rep.Total().Failed > 0 {
			return subcommands.ExitFailure
		}
	}
	return status
}

type exportCmd struct {
	kind   string
	entity string
	fy     string
	out    string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "write a ledger statement workbook" }
func (*exportCmd) Usage() string {
	return "ledgerctl export -kind <kind> -entity <id> [-fy <fy>] [-o statement.xlsx]\n"
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "Ledger kind.")
	f.StringVar(&c.entity, "entity", "", "Entity id.")
	f.StringVar(&c.fy, "fy", "", "Financial year label (defaults to the current one).")
	f.StringVar(&c.out, "o", "", "Output file (defaults to <kind>-<entity>-<fy>.xlsx).")
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	kind, err := ledger.ParseKind(c.kind)
	if err != nil {
		return fail(err)
	}
	fy := c.fy
	if fy == "" {
		fy = ledger.ResolveFinancialYear(time.Now())
	}
	key := ledger.AccountKey{Kind: kind, EntityID: c.entity, FinancialYear: fy}

	e, err := openEnv(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	acc, err := e.store.GetAccount(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("ledger %s: %w", key.ID(), err))
	}
	buckets, err := e.store.ListBuckets(ctx, ledger.DocFilter{Account: &key})
	if err != nil {
		return fail(err)
	}

	out := c.out
	if out == "" {
		out = fmt.Sprintf("%s-%s-%s.xlsx", kind, c.entity, fy)
	}
	f, err := report.Statement(acc, buckets)
	if err != nil {
		return fail(err)
	}
	defer f.Close()
	if err := f.SaveAs(out); err != nil {
		return fail(err)
	}
	fmt.Println(out)
	return subcommands.ExitSuccess
}

type tokenCmd struct {
	subject string
	roles   string
	ttl     time.Duration
}

func (*tokenCmd) Name() string { return "token" }
func (*tokenCmd) Synopsis() string {
	return "issue an operator bearer token signed with HAUL_AUTH_SECRET"
}
func (*tokenCmd) Usage() string {
	return "ledgerctl token -sub <operator> [-roles admin,viewer] [-ttl 1h]\n"
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.subject, "sub", "", "Operator identity.")
	f.StringVar(&c.roles, "roles", auth.RoleViewer, "Comma separated roles: admin, viewer, publisher.")
	f.DurationVar(&c.ttl, "ttl", time.Hour, "Token lifetime.")
}

func (c *tokenCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load()
	if err != nil {
		return fail(err)
	}
	signer, err := auth.NewSigner(cfg.AuthSecret)
	if err != nil {
		return fail(err)
	}
	token, err := signer.GenerateToken(c.subject, strings.Split(c.roles, ","), c.ttl)
	if err != nil {
		return fail(err)
	}
	fmt.Println(token)
	return subcommands.ExitSuccess
}
