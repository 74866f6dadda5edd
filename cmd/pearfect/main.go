// Command pearfect inspects and edits the persisted trading state from the
// terminal, using the same storage configuration as the server.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/pearfect/engine/internal/config"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pnl"
	"github.com/pearfect/engine/internal/state"
	"github.com/pearfect/engine/internal/store"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	app := &cli.App{
		Name:  "pearfect",
		Usage: "inspect and edit the pearfect trading state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config-dir",
				Value: ".",
				Usage: "directory holding .env and config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "state",
				Usage:  "print the current state as JSON",
				Action: withState(showState),
			},
			{
				Name:      "mode",
				Usage:     "switch between demo and pro",
				ArgsUsage: "<demo|pro>",
				Action:    withState(setMode),
			},
			{
				Name:  "wallet",
				Usage: "manage the demo wallet",
				Subcommands: []*cli.Command{
					{Name: "init", Usage: "create the demo wallet if missing", Action: withState(initWallet)},
					{Name: "reset", Usage: "restore full credits and clear positions", Action: withState(resetWallet)},
				},
			},
			{
				Name:  "trade",
				Usage: "confirm a guided demo trade",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "matchup", Value: state.Matchups[0].ID, Usage: "matchup id"},
					&cli.Int64Flag{Name: "stake", Value: state.StakePresets[0], Usage: "credits to stake"},
				},
				Action: withState(demoTrade),
			},
			{
				Name:  "positions",
				Usage: "list open demo positions with P&L",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "ticks", Value: 0, Usage: "random-walk steps to apply before marking"},
				},
				Action: withState(listPositions),
			},
			{
				Name:  "xp",
				Usage: "gamification tools",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "award XP",
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "amount", Value: 10},
							&cli.BoolFlag{Name: "qualifying", Usage: "count towards the daily streak"},
						},
						Action: withState(addXP),
					},
				},
			},
			{
				Name:   "migrate",
				Usage:  "apply PostgreSQL migrations",
				Action: migrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type stateAction func(c *cli.Context, st *state.Store) error

// withState opens the configured store and state before running fn.
func withState(fn stateAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config-dir"))
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

		backend, closeStore, err := store.Open(c.Context, store.Options{
			Driver:      cfg.Storage.Driver,
			SQLitePath:  cfg.Storage.SQLitePath,
			DatabaseURL: cfg.Storage.DatabaseURL,
			RedisURL:    cfg.Storage.RedisURL,
			CacheTTL:    cfg.Storage.CacheTTL,
		})
		if err != nil {
			return err
		}
		defer closeStore()

		loc, _ := cfg.Location()
		st := state.Open(c.Context, backend,
			state.WithKey(cfg.Storage.Key),
			state.WithLocation(loc),
			state.WithRand(rand.New(rand.NewSource(seed(cfg)))),
			// The process exits before any coin shower would clear.
			state.WithScheduler(func(time.Duration, func()) {}),
		)
		return fn(c, st)
	}
}

func seed(cfg config.Config) int64 {
	if cfg.Engine.Seed != 0 {
		return cfg.Engine.Seed
	}
	return time.Now().UnixNano()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func showState(_ *cli.Context, st *state.Store) error {
	return printJSON(st.Snapshot())
}

func setMode(c *cli.Context, st *state.Store) error {
	if c.NArg() != 1 {
		return errors.New("usage: pearfect mode <demo|pro>")
	}
	if err := st.SetMode(c.Context, model.Mode(c.Args().First())); err != nil {
		return err
	}
	fmt.Println("mode:", st.Snapshot().Mode)
	return nil
}

func initWallet(c *cli.Context, st *state.Store) error {
	return printJSON(st.InitDemoWallet(c.Context))
}

func resetWallet(c *cli.Context, st *state.Store) error {
	return printJSON(st.ResetDemoWallet(c.Context))
}

func demoTrade(c *cli.Context, st *state.Store) error {
	res, err := st.ConfirmDemoTrade(c.Context, c.String("matchup"), c.Int64("stake"))
	if err != nil {
		return err
	}
	fmt.Printf("opened %s for %d credits at %s (credits left: %d, +%d XP)\n",
		res.Position.Label, res.Position.Stake, res.Position.EntryRatio.StringFixed(4),
		res.Wallet.Credits, res.Award.Base+res.Award.StreakBonus)
	return nil
}

func listPositions(c *cli.Context, st *state.Store) error {
	positions := st.Positions()
	if len(positions) == 0 {
		fmt.Println("no open positions")
		return nil
	}

	walker := pnl.NewWalker(rand.New(rand.NewSource(time.Now().UnixNano())))
	for i := 0; i < c.Int("ticks"); i++ {
		walker.Step(positions)
	}

	total := decimal.Zero
	for _, p := range positions {
		res, err := walker.Mark(p)
		if err != nil {
			return fmt.Errorf("position %s: %w", p.ID, err)
		}
		total = total.Add(res.Credits)
		fmt.Printf("%-24s stake=%-4d entry=%s now=%s pnl=%s%% (%s credits)\n",
			p.Label, p.Stake,
			p.EntryRatio.StringFixed(4), res.CurrentRatio.StringFixed(4),
			res.Pct.StringFixed(2), res.Credits.StringFixed(2))
	}
	fmt.Printf("total P&L: %s credits\n", total.StringFixed(2))
	return nil
}

func addXP(c *cli.Context, st *state.Store) error {
	award, err := st.AddXP(c.Context, c.Int64("amount"), c.Bool("qualifying"))
	if err != nil {
		return err
	}
	a := st.Snapshot().Avatar
	fmt.Printf("level %d, %d XP (%d to next), streak %d days\n", a.Level, a.XP, a.XPToNextLevel, a.CurrentStreakDays)
	if award.LevelUp {
		fmt.Println("level up!")
	}
	for _, b := range award.NewBadges {
		fmt.Println("badge unlocked:", b)
	}
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load(c.String("config-dir"))
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrate needs the postgres driver, configured: %s", cfg.Storage.Driver)
	}
	if err := store.Migrate(cfg.Storage.DatabaseURL); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}
