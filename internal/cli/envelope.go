package cli

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/corrin/jobsync/internal/delta"
)

// EnvelopeOptions holds flags for the envelope command.
type EnvelopeOptions struct {
	*RootOptions
	Resource string
	Before   string
	After    string
	Fields   string
	ETag     string
	Actor    string
	ChangeID string
	MadeAt   string
}

// envelopeText renders an envelope as indented JSON in text mode too.
type envelopeText struct {
	*delta.ChangeEnvelope
}

func (e envelopeText) Text() string {
	data, err := json.MarshalIndent(e.ChangeEnvelope, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}

// NewEnvelopeCommand creates the envelope command.
func NewEnvelopeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnvelopeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "envelope --resource <id> --before <file> --after <file>",
		Short: "Build the change envelope between two versions of a record",
		Long: `Build the delta envelope for the fields that differ between two JSON
objects. Only changed fields are included; before_checksum covers their
previous values.

Exit codes:
  0 - Envelope printed
  1 - No field changed
  2 - Command error (unreadable input, etc.)

Examples:
  jobsync envelope --resource job-123 --before old.json --after new.json
  jobsync envelope --resource job-123 --before old.json --after new.json --fields name --etag v1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnvelope(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Resource, "resource", "", "resource id (required)")
	cmd.Flags().StringVar(&opts.Before, "before", "", "JSON file with the previous values (required)")
	cmd.Flags().StringVar(&opts.After, "after", "", "JSON file with the new values (required)")
	cmd.Flags().StringVar(&opts.Fields, "fields", "", "comma-separated candidate fields (default: every key of either file)")
	cmd.Flags().StringVar(&opts.ETag, "etag", "", "version token to carry")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&opts.ChangeID, "change-id", "", "change id (default: a new UUIDv7)")
	cmd.Flags().StringVar(&opts.MadeAt, "made-at", "", "RFC 3339 timestamp (default: now)")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("before")
	_ = cmd.MarkFlagRequired("after")

	return cmd
}

func runEnvelope(cmd *cobra.Command, opts *EnvelopeOptions) error {
	out := opts.formatter(cmd)

	before, err := LoadObject(opts.Before, cmd.InOrStdin())
	if err != nil {
		return out.Fail(ExitCommandError, CodeInput, "cannot load --before", err)
	}
	after, err := LoadObject(opts.After, cmd.InOrStdin())
	if err != nil {
		return out.Fail(ExitCommandError, CodeInput, "cannot load --after", err)
	}

	fields := splitFields(opts.Fields)
	if fields == nil {
		fields = unionKeys(before, after)
	}

	in := delta.Input{
		ResourceID:   opts.Resource,
		Before:       before,
		After:        after,
		Fields:       fields,
		ActorID:      opts.Actor,
		ChangeID:     opts.ChangeID,
		VersionToken: opts.ETag,
	}
	if opts.MadeAt != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.MadeAt)
		if err != nil {
			return out.Fail(ExitCommandError, CodeInput, "invalid --made-at", err)
		}
		in.MadeAt = t
	}

	env, err := delta.NewBuilder().Build(in)
	if errors.Is(err, delta.ErrNoChange) {
		return out.Fail(ExitFailure, CodeNoChange, "no field changed", err)
	}
	if err != nil {
		return out.Fail(ExitFailure, CodeChecksum, "cannot build envelope", err)
	}

	out.VerboseLog("envelope %s covers %v", env.ChangeID, env.Fields)
	return out.Success(envelopeText{env})
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, m := range []map[string]any{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
