package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// NewRuleCmd создаёт группу команд для управления правилами повторения.
func NewRuleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage recurrence rules",
	}

	cmd.AddCommand(
		newRuleListCmd(clientFn, outputFn),
		newRuleCreateCmd(clientFn, outputFn),
		newRuleShowCmd(clientFn, outputFn),
		newRuleUpdateCmd(clientFn, outputFn),
		newRuleDeleteCmd(clientFn, outputFn),
		newRuleDatesCmd(clientFn, outputFn),
		newRuleCloneCmd(clientFn, outputFn),
		newRulePreviewCmd(clientFn, outputFn),
		newHandlersCmd(clientFn, outputFn),
	)

	return cmd
}

var ruleHeaders = []string{"ID", "FREQ", "TZ", "OFFSET", "HANDLER", "STATE", "NEXT"}

func ruleRow(r *RuleResponse) []string {
	return []string{
		r.ID, r.Params.Freq, r.TimeZone, strconv.Itoa(r.DayOffset),
		r.HandlerName, r.State, r.NextOccurrence,
	}
}

func newRuleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var handler string
	var retired string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			opts := ListRulesOpts{Handler: handler, Limit: limit}
			if retired != "" {
				v, err := strconv.ParseBool(retired)
				if err != nil {
					return fmt.Errorf("invalid --retired %q: %w", retired, err)
				}
				opts.Retired = &v
			}

			rules, err := client.ListRules(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(rules))
			for i := range rules {
				rows[i] = ruleRow(&rules[i])
			}

			out.Print(ruleHeaders, rows, rules)
			return nil
		},
	}

	cmd.Flags().StringVar(&handler, "handler", "", "Filter by handler name")
	cmd.Flags().StringVar(&retired, "retired", "", "Filter by state: true (retired only) or false (active only)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max rules to return")

	return cmd
}

func newRuleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var rf ruleFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		Example: `  recur rule create --freq WEEKLY --byweekday MO,FR --byhour 9 --tz Europe/Moscow
  recur rule create --freq MONTHLY --bymonthday 1 --offset -1 --handler publish --meta topic=billing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req, err := rf.createRequest()
			if err != nil {
				return err
			}

			rule, err := client.CreateRule(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Rule created: %s", rule.ID))
			out.Print(ruleHeaders, [][]string{ruleRow(rule)}, rule)
			return nil
		},
	}

	rf.bind(cmd.Flags())
	cmd.MarkFlagRequired("freq")

	return cmd
}

func newRuleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show rule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			rule, err := client.GetRule(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "FREQ", "DTSTART", "TZ", "OFFSET", "HANDLER", "STATE", "NEXT", "LAST", "HANDLED"},
				[][]string{{
					rule.ID, rule.Params.Freq, rule.Params.DTStart, rule.TimeZone,
					strconv.Itoa(rule.DayOffset), rule.HandlerName, rule.State,
					rule.NextOccurrence, rule.LastOccurrence, rule.TimeLastHandled,
				}},
				rule,
			)
			return nil
		},
	}
}

func newRuleUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var rf ruleFlags
	var clearExclusion bool

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a rule",
		Long: `Update a rule. Only the given flags are changed.
Any recurrence flag replaces the whole params object, so --freq is required with them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req, err := rf.updateRequest(cmd.Flags())
			if err != nil {
				return err
			}
			req.ClearExclusion = clearExclusion

			rule, err := client.UpdateRule(args[0], req)
			if err != nil {
				return err
			}

			out.Success("Rule updated")
			out.Print(ruleHeaders, [][]string{ruleRow(rule)}, rule)
			return nil
		},
	}

	rf.bind(cmd.Flags())
	cmd.Flags().BoolVar(&clearExclusion, "clear-exclusion", false, "Remove exclusion rule")

	return cmd
}

func newRuleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteRule(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Rule %s deleted", args[0]))
			return nil
		},
	}
}

func newRuleDatesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var count int
	var start string

	cmd := &cobra.Command{
		Use:   "dates ID",
		Short: "Show upcoming occurrences of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var from time.Time
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start %q, expected RFC 3339", start)
				}
				from = t
			}

			dates, err := client.RuleDates(args[0], count, from)
			if err != nil {
				return err
			}

			printDates(out, dates)
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 10, "Number of occurrences")
	cmd.Flags().StringVar(&start, "start", "", "Start point, RFC 3339 (default: now)")

	return cmd
}

func newRuleCloneCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var offset int

	cmd := &cobra.Command{
		Use:   "clone ID",
		Short: "Clone a rule, optionally with another day offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var dayOffset *int
			if cmd.Flags().Changed("offset") {
				dayOffset = &offset
			}

			rule, err := client.CloneRule(args[0], dayOffset)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Rule cloned: %s", rule.ID))
			out.Print(ruleHeaders, [][]string{ruleRow(rule)}, rule)
			return nil
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "Day offset of the clone")

	return cmd
}

func newRulePreviewCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var rf ruleFlags
	var count int
	var start string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Compute occurrences without saving a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			create, err := rf.createRequest()
			if err != nil {
				return err
			}
			req := PreviewRequest{CreateRuleRequest: create, Count: count}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start %q, expected RFC 3339", start)
				}
				req.Start = &t
			}

			dates, err := client.PreviewRule(req)
			if err != nil {
				return err
			}

			printDates(out, dates)
			return nil
		},
	}

	rf.bind(cmd.Flags())
	cmd.Flags().IntVar(&count, "count", 10, "Number of occurrences")
	cmd.Flags().StringVar(&start, "start", "", "Start point, RFC 3339 (default: series start)")
	cmd.MarkFlagRequired("freq")

	return cmd
}

func newHandlersCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List occurrence handlers known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			names, err := client.ListHandlers()
			if err != nil {
				return err
			}

			rows := make([][]string, len(names))
			for i, n := range names {
				rows[i] = []string{n}
			}
			out.Print([]string{"HANDLER"}, rows, names)
			return nil
		},
	}
}

// --- Helpers ---

// ruleFlags — флаги, описывающие правило.
type ruleFlags struct {
	freq       string
	dtstart    string
	interval   int
	count      int
	until      string
	byWeekday  []string
	byMonth    []int
	byMonthDay []int
	byHour     []int
	byMinute   []int
	bySetPos   []int

	timeZone  string
	offset    int
	handler   string
	meta      []string
	exclusion string
}

var paramsFlagNames = []string{
	"freq", "dtstart", "interval", "count-limit", "until",
	"byweekday", "bymonth", "bymonthday", "byhour", "byminute", "bysetpos",
}

func (f *ruleFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.freq, "freq", "", "Frequency: YEARLY, MONTHLY, WEEKLY, DAILY, HOURLY, MINUTELY")
	fs.StringVar(&f.dtstart, "dtstart", "", "Series start, wall clock in --tz (e.g. '2024-01-01 09:00:00')")
	fs.IntVar(&f.interval, "interval", 0, "Interval between occurrences")
	fs.IntVar(&f.count, "count-limit", 0, "Total number of occurrences")
	fs.StringVar(&f.until, "until", "", "Series end, wall clock in --tz")
	fs.StringSliceVar(&f.byWeekday, "byweekday", nil, "Weekdays (MO,TU,... or 1FR,-1SU)")
	fs.IntSliceVar(&f.byMonth, "bymonth", nil, "Months (1-12)")
	fs.IntSliceVar(&f.byMonthDay, "bymonthday", nil, "Days of month (1-31, -1 for last)")
	fs.IntSliceVar(&f.byHour, "byhour", nil, "Hours (0-23)")
	fs.IntSliceVar(&f.byMinute, "byminute", nil, "Minutes (0-59)")
	fs.IntSliceVar(&f.bySetPos, "bysetpos", nil, "Set positions")

	fs.StringVar(&f.timeZone, "tz", "", "IANA time zone (default: UTC)")
	fs.IntVar(&f.offset, "offset", 0, "Day offset applied to each occurrence")
	fs.StringVar(&f.handler, "handler", "", "Handler name (default: noop)")
	fs.StringSliceVar(&f.meta, "meta", nil, "Metadata as KEY=VALUE (repeatable)")
	fs.StringVar(&f.exclusion, "exclusion", "", `Exclusion params as JSON (e.g. '{"freq":"YEARLY","bymonth":[1],"bymonthday":[1]}')`)
}

func (f *ruleFlags) params() Params {
	return Params{
		Freq:       strings.ToUpper(f.freq),
		DTStart:    f.dtstart,
		Interval:   f.interval,
		Count:      f.count,
		Until:      f.until,
		ByWeekday:  f.byWeekday,
		ByMonth:    f.byMonth,
		ByMonthDay: f.byMonthDay,
		ByHour:     f.byHour,
		ByMinute:   f.byMinute,
		BySetPos:   f.bySetPos,
	}
}

func (f *ruleFlags) exclusionParams() (*Params, error) {
	if f.exclusion == "" {
		return nil, nil
	}
	var p Params
	if err := json.Unmarshal([]byte(f.exclusion), &p); err != nil {
		return nil, fmt.Errorf("invalid --exclusion: %w", err)
	}
	return &p, nil
}

func (f *ruleFlags) metadata() (map[string]any, error) {
	if len(f.meta) == 0 {
		return nil, nil
	}
	m := make(map[string]any, len(f.meta))
	for _, kv := range f.meta {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid meta format %q, expected KEY=VALUE", kv)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}

func (f *ruleFlags) createRequest() (CreateRuleRequest, error) {
	exclusion, err := f.exclusionParams()
	if err != nil {
		return CreateRuleRequest{}, err
	}
	meta, err := f.metadata()
	if err != nil {
		return CreateRuleRequest{}, err
	}
	return CreateRuleRequest{
		Params:      f.params(),
		Exclusion:   exclusion,
		TimeZone:    f.timeZone,
		DayOffset:   f.offset,
		HandlerName: f.handler,
		Metadata:    meta,
	}, nil
}

func (f *ruleFlags) updateRequest(fs *pflag.FlagSet) (UpdateRuleRequest, error) {
	var req UpdateRuleRequest

	for _, name := range paramsFlagNames {
		if fs.Changed(name) {
			if !fs.Changed("freq") {
				return req, fmt.Errorf("--freq is required when changing recurrence params")
			}
			p := f.params()
			req.Params = &p
			break
		}
	}

	if fs.Changed("exclusion") {
		exclusion, err := f.exclusionParams()
		if err != nil {
			return req, err
		}
		req.Exclusion = exclusion
	}
	if fs.Changed("tz") {
		req.TimeZone = &f.timeZone
	}
	if fs.Changed("offset") {
		req.DayOffset = &f.offset
	}
	if fs.Changed("handler") {
		req.HandlerName = &f.handler
	}
	if fs.Changed("meta") {
		meta, err := f.metadata()
		if err != nil {
			return req, err
		}
		req.Metadata = &meta
	}

	return req, nil
}

func printDates(out *Output, dates *DatesResponse) {
	rows := make([][]string, len(dates.Dates))
	for i, d := range dates.Dates {
		rows[i] = []string{strconv.Itoa(i + 1), d.Format(time.RFC3339)}
	}
	out.Print([]string{"#", "OCCURRENCE"}, rows, dates)
}
