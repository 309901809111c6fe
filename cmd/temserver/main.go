// Command temserver serializes access to one transmission electron microscope
// for any number of TCP clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arloliu/go-temserver/admin"
	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/instrument"
	"github.com/arloliu/go-temserver/internal/config"
	"github.com/arloliu/go-temserver/journal"
	"github.com/arloliu/go-temserver/logger"
	"github.com/arloliu/go-temserver/temserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// errTerminated marks a shutdown requested by a client.
var errTerminated = errors.New("terminated by client")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "temserver",
		Short: "Serve one electron microscope to many clients",
		Long: `temserver owns the microscope control handle and executes the
commands of all connected clients one at a time, in arrival order. Each client
receives exactly the response to its own command.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.NewViper(cfgFile)
			if err := bindFlags(v, cmd); err != nil {
				return err
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./temserver.yaml)")
	flags.String("host", "", "listen host")
	flags.IntP("port", "p", 0, "listen port")
	flags.StringP("microscope", "t", "", fmt.Sprintf("instrument id %v", instrument.Kinds()))
	flags.Int("mailbox-size", 0, "number of calls that may wait for the instrument")
	flags.String("journal", "", "sqlite journal path (empty disables the journal)")
	flags.String("admin", "", "admin HTTP address (empty disables the endpoint)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-dir", "", "directory for dated log files")

	return cmd
}

// bindFlags binds explicitly set flags over file and environment values.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"host":         "server.host",
		"port":         "server.port",
		"microscope":   "instrument.id",
		"mailbox-size": "dispatcher.mailbox_size",
		"journal":      "journal.path",
		"admin":        "admin.address",
		"log-level":    "log.level",
		"log-dir":      "log.dir",
	}

	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	return nil
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	l, logCloser, err := cfg.Log.NewLogger(time.Now())
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger.SetDefault(l)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	microscope, err := instrument.Open(cfg.Instrument.ID)
	if err != nil {
		l.Error("failed to open instrument", "id", cfg.Instrument.ID, "error", err)
		return err
	}

	table, err := instrument.NewOperationTable(microscope)
	if err != nil {
		_ = microscope.Close()
		return err
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithMailboxSize(cfg.Dispatcher.MailboxSize),
		dispatch.WithInstrument(microscope),
		dispatch.WithLogger(l.With("component", "dispatcher")),
	}

	var jrnl *journal.SQLite
	if cfg.Journal.Path != "" {
		jrnl, err = journal.OpenSQLite(ctx, cfg.Journal.Path,
			journal.WithBufferSize(cfg.Journal.BufferSize),
			journal.WithLogger(l),
		)
		if err != nil {
			_ = microscope.Close()
			return err
		}
		defer jrnl.Close()

		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(jrnl))
	}

	dispatcher, err := dispatch.NewDispatcher(table, dispatchOpts...)
	if err != nil {
		_ = microscope.Close()
		return err
	}

	serverCfg, err := temserver.NewServerConfig(cfg.Server.Host, cfg.Server.Port,
		temserver.WithMaxFrameSize(cfg.Server.MaxFrameSize),
		temserver.WithWriteTimeout(cfg.Server.WriteTimeout),
		temserver.WithLogger(l.With("component", "server")),
	)
	if err != nil {
		_ = microscope.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// the dispatcher outlives the server so sessions can finish their calls
	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()

	srv, err := temserver.NewServer(gctx, serverCfg, dispatcher)
	if err != nil {
		_ = microscope.Close()
		return err
	}
	if err := srv.Listen(); err != nil {
		_ = microscope.Close()
		return fmt.Errorf("listen on %s: %w", serverCfg.Address(), err)
	}

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- dispatcher.Run(dispatchCtx) }()

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-dispatcher.Done():
			if err := dispatcher.Err(); err != nil {
				return fmt.Errorf("dispatcher stopped: %w", err)
			}
			return nil
		}
	})

	g.Go(srv.Serve)

	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})

	if cfg.Server.AllowTerminate {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-srv.TerminateRequested():
				l.Info("shutting down on client request")
				return errTerminated
			}
		})
	}

	if cfg.Admin.Address != "" {
		handler, err := admin.NewHandler(admin.Sources{
			Dispatcher: dispatcher,
			Server:     srv,
			Journal:    journalSource(jrnl),
			Logger:     l.With("component", "admin"),
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return admin.Serve(gctx, cfg.Admin.Address, handler, l) })
	}

	l.Info("temserver started",
		"address", srv.Addr().String(),
		"instrument", microscope.Name(),
		"mailbox_size", cfg.Dispatcher.MailboxSize,
		"journal", cfg.Journal.Path,
	)

	err = g.Wait()
	_ = srv.Close()
	stopDispatcher()
	if runErr := <-dispatchErr; runErr != nil {
		l.Error("instrument lost, exiting", "error", runErr)
		return runErr
	}

	if err != nil && !errors.Is(err, errTerminated) {
		l.Error("temserver stopped with error", "error", err)
		return err
	}

	l.Info("temserver stopped")

	return nil
}

// journalSource avoids handing admin a typed nil when the journal is disabled.
func journalSource(j *journal.SQLite) admin.JournalSource {
	if j == nil {
		return nil
	}

	return j
}
