package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corrin/jobsync/internal/refserver"
)

// shutdownGrace bounds how long in-flight requests may take on shutdown.
const shutdownGrace = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Seed string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference resource server",
		Long: `Run an in-memory resource server that enforces If-Match preconditions,
before_checksum verification and change_id dedupe.

--seed loads initial resources from a JSON object of id -> fields.

Examples:
  jobsync serve
  jobsync serve --addr 127.0.0.1:9000 --seed jobs.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default: JOBSYNC_ADDR)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "JSON file of resources to preload")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *ServeOptions) error {
	addr := opts.Addr
	if addr == "" {
		addr = opts.Config.Addr
	}

	srv := refserver.New(refserver.WithLogger(slog.Default()))
	if opts.Seed != "" {
		n, err := seed(srv, opts.Seed)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot seed server", err)
		}
		slog.Info("seeded resources", "count", n, "file", opts.Seed)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())
	return Serve(ctx, ln, srv)
}

// seed loads {"id": {fields}} into srv in id order.
func seed(srv *refserver.Server, path string) (int, error) {
	doc, err := LoadObject(path, nil)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fields, ok := doc[id].(map[string]any)
		if !ok {
			return 0, &LoadError{Path: path, Message: fmt.Sprintf("resource %q is not an object", id)}
		}
		srv.Seed(id, fields)
	}
	return len(ids), nil
}

// Serve runs h on ln until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "addr", ln.Addr().String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
