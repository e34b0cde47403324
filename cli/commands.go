package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/warp/clickstats/api"
	"github.com/warp/clickstats/clickstats"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// RollupCommand rolls up one window or every pending hour.
type RollupCommand struct {
	Start   string `long:"start" description:"Window start, RFC3339"`
	End     string `long:"end" description:"Window end, RFC3339 (exclusive)"`
	CatchUp bool   `long:"catch-up" description:"Roll up every pending hour instead of one window"`

	env *env
}

// PruneCommand applies the retention horizon.
type PruneCommand struct {
	Cutoff string `long:"cutoff" description:"Delete rows dated before this day (YYYY-MM-DD)"`

	env *env
}

// SeedCommand creates the configured default rate limits.
type SeedCommand struct {
	env *env
}

// LimitsListCommand lists rate-limit configs.
type LimitsListCommand struct {
	Action string `long:"action" description:"Only configs for this action type"`

	env *env
}

// LimitsCreateCommand creates a rate-limit config.
type LimitsCreateCommand struct {
	Action string `long:"action" description:"Action type" required:"true"`
	Tier   string `long:"tier" description:"anonymous | logged_in | trusted" required:"true"`
	Limit  int    `long:"limit" description:"Requests admitted per window" required:"true"`
	Window int    `long:"window" description:"Window length in seconds" required:"true"`
	By     *int64 `long:"by" description:"Editing user ID"`

	env *env
}

// LimitsUpdateCommand changes fields of a rate-limit config.
type LimitsUpdateCommand struct {
	ID     string `long:"id" description:"Config ID" required:"true"`
	Limit  *int   `long:"limit" description:"New requests per window"`
	Window *int   `long:"window" description:"New window length in seconds"`
	By     *int64 `long:"by" description:"Editing user ID"`

	env *env
}

// =============================================================================
// ROLLUP / PRUNE
// =============================================================================

// Execute implements the go-flags Commander interface for RollupCommand.
func (c *RollupCommand) Execute(_ []string) error {
	a, err := c.env.open(c.env.globals)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if c.CatchUp {
		n, err := a.Scheduler().CatchUp(ctx)
		if err != nil {
			return err
		}
		return c.env.emit(map[string]int{"windows": n}, fmt.Sprintf("rolled up %d pending window(s)\n", n))
	}

	start, err := parseInstant("start", c.Start)
	if err != nil {
		return err
	}
	end, err := parseInstant("end", c.End)
	if err != nil {
		return err
	}
	w, err := core.NewWindow(start, end)
	if err != nil {
		return err
	}

	res, err := a.Aggregator.Run(ctx, w)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("window %s: %d events, %d groups\n", w, res.Run.EventCount, res.Run.GroupCount)
	if res.Skipped {
		text = fmt.Sprintf("window %s already processed (run %s)\n", w, res.Run.ID)
	}
	return c.env.emit(api.RollupResponse{Run: api.ToRollupRunDTO(res.Run), Skipped: res.Skipped}, text)
}

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(_ []string) error {
	a, err := c.env.open(c.env.globals)
	if err != nil {
		return err
	}
	defer a.Close()

	var cutoff core.Date
	if c.Cutoff != "" {
		cutoff, err = core.ParseDate(c.Cutoff)
		if err != nil {
			return core.NewValidationError("cutoff", err.Error())
		}
	} else {
		loc, err := a.Config.Rollup.LoadLocation()
		if err != nil {
			return err
		}
		cutoff, err = clickstats.CutoffFor(time.Now(), a.Config.Retention.Days, loc)
		if err != nil {
			return err
		}
	}

	deleted, err := a.Pruner.PruneOlderThan(context.Background(), cutoff)
	if err != nil {
		return err
	}
	return c.env.emit(api.PruneResponse{Cutoff: cutoff.String(), Deleted: deleted},
		fmt.Sprintf("deleted %d row(s) dated before %s\n", deleted, cutoff))
}

// =============================================================================
// RATE LIMITS
// =============================================================================

// Execute implements the go-flags Commander interface for SeedCommand.
func (c *SeedCommand) Execute(_ []string) error {
	a, err := c.env.open(c.env.globals)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.Seed(context.Background())
	if err != nil {
		return err
	}
	return c.env.emit(map[string]int{"created": created}, fmt.Sprintf("created %d rate limit(s)\n", created))
}

// Execute implements the go-flags Commander interface for LimitsListCommand.
func (c *LimitsListCommand) Execute(_ []string) error {
	a, err := c.env.open(c.env.globals)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	var configs []ratelimit.Config
	if c.Action != "" {
		configs, err = a.Limits.ListByAction(ctx, c.Action)
	} else {
		configs, err = a.Limits.List(ctx)
	}
	if err != nil {
		return err
	}

	dtos := make([]api.RateLimitDTO, 0, len(configs))
	for _, cfg := range configs {
		dtos = append(dtos, api.ToRateLimitDTO(cfg))
	}
	if c.env.globals.JSON {
		return c.env.emit(dtos, "")
	}

	tw := tabwriter.NewWriter(c.env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tTIER\tLIMIT\tWINDOW")
	for _, d := range dtos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%ds\n", d.ID, d.ActionType, d.Tier, d.LimitCount, d.WindowSeconds)
	}
	return tw.Flush()
}

// Execute implements the go-flags Commander interface for LimitsCreateCommand.
func (c *LimitsCreateCommand) Execute(_ []string) error {
	a, err := c.env.open(c.env.globals)
	if err != nil {
		return err
	}
	defer a.Close()

	tier, err := ratelimit.ParseTier(c.Tier)
	if err != nil {
		return err
	}
	cfg, err := a.Limits.Create(context.Background(), ratelimit.CreateParams{
		ActionType:      c.Action,
		Tier:            tier,
		LimitCount:      c.Limit,
		WindowSeconds:   c.Window,
		UpdatedByUserID: c.By,
	})
	if err != nil {
		return err
	}
	return c.env.emit(api.ToRateLimitDTO(*cfg), describe("created", *cfg))
}

// Execute implements the go-flags Commander interface for LimitsUpdateCommand.
func (c *LimitsUpdateCommand) Execute(_ []string) error {
	a, err := c.env.open(c.env.globals)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.Limits.Update(context.Background(), c.ID, ratelimit.UpdateParams{
		LimitCount:      c.Limit,
		WindowSeconds:   c.Window,
		UpdatedByUserID: c.By,
	})
	if err != nil {
		return err
	}
	return c.env.emit(api.ToRateLimitDTO(*cfg), describe("updated", *cfg))
}

// =============================================================================
// HELPERS
// =============================================================================

func describe(verb string, cfg ratelimit.Config) string {
	return fmt.Sprintf("%s %s: %s/%s %d per %ds\n", verb, cfg.ID, cfg.ActionType, cfg.Tier, cfg.LimitCount, cfg.WindowSeconds)
}

func parseInstant(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, core.NewValidationError(field, "is required (RFC3339)")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, core.NewValidationError(field, err.Error())
	}
	return t, nil
}

// emit writes v as JSON with --json, text otherwise.
func (e *env) emit(v any, text string) error {
	if e.globals.JSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	e.printf("%s", text)
	return nil
}
