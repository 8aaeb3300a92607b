package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corrin/jobsync/internal/journal"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	DB       string
	Resource string
	Change   string
}

// JournalListing is the output of the journal command.
type JournalListing struct {
	Changes []journal.Change `json:"changes"`
}

// Text renders one line per change.
func (l JournalListing) Text() string {
	if len(l.Changes) == 0 {
		return "No changes recorded."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANGE\tRESOURCE\tFIELDS\tETAG\tOUTCOME\tATTEMPTS\tERROR")
	for _, c := range l.Changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ChangeID, c.ResourceID, strings.Join(c.Fields, ","), c.VersionToken, c.Outcome, c.Attempts, c.Error)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded changes and their outcomes",
		Long: `List the change envelopes recorded in a journal database, oldest first.

Examples:
  jobsync journal --db ./jobsync.db
  jobsync journal --db ./jobsync.db --resource job-123
  jobsync journal --db ./jobsync.db --change 0190f5a2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "journal database path (default: JOBSYNC_JOURNAL)")
	cmd.Flags().StringVar(&opts.Resource, "resource", "", "only changes to this resource")
	cmd.Flags().StringVar(&opts.Change, "change", "", "only this change id")

	return cmd
}

func runJournal(cmd *cobra.Command, opts *JournalOptions) error {
	out := opts.formatter(cmd)

	path := opts.DB
	if path == "" {
		path = opts.Config.Journal
	}
	if path == "" {
		return out.Fail(ExitCommandError, CodeJournal, "no journal database given (--db or JOBSYNC_JOURNAL)", nil)
	}
	// Open would create an empty database; a typo should not.
	if _, err := os.Stat(path); err != nil {
		return out.Fail(ExitCommandError, CodeJournal, fmt.Sprintf("journal not found: %s", path), err)
	}

	j, err := journal.Open(path)
	if err != nil {
		return out.Fail(ExitCommandError, CodeJournal, "cannot open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	var changes []journal.Change
	switch {
	case opts.Change != "":
		c, err := j.ReadChange(ctx, opts.Change)
		if err != nil {
			return out.Fail(ExitFailure, CodeJournal, "cannot read change", err)
		}
		changes = []journal.Change{c}
	case opts.Resource != "":
		changes, err = j.ListByResource(ctx, opts.Resource)
	default:
		changes, err = j.List(ctx)
	}
	if err != nil {
		return out.Fail(ExitCommandError, CodeJournal, "cannot list journal", err)
	}

	out.VerboseLog("read %d change(s) from %s", len(changes), path)
	if changes == nil {
		changes = []journal.Change{}
	}
	return out.Success(JournalListing{Changes: changes})
}
