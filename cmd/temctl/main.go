// Command temctl issues single calls to a running temserver.
//
//	temctl call getHighTension
//	temctl call goto --kw x=1000 --kw y=-500
//	temctl call setMagnification 5000 -o yaml
//	temctl terminate
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-temserver/logger"
	"github.com/arloliu/go-temserver/temclient"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type options struct {
	address string
	timeout time.Duration
	output  string
	kwargs  []string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "temctl",
		Short:        "Command line client for temserver",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.address, "address", "a", "localhost:8088", "server address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "reply timeout")

	call := &cobra.Command{
		Use:   "call <operation> [args...]",
		Short: "Execute one operation and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kwargs, err := parseKwargs(opts.kwargs)
			if err != nil {
				return err
			}

			c, err := dial(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.Call(cmd.Context(), args[0], parseArgs(args[1:]), kwargs)
			if err != nil {
				return err
			}

			return printResult(out, opts.output, result)
		},
	}
	call.Flags().StringArrayVar(&opts.kwargs, "kw", nil, "keyword argument key=value (repeatable)")
	call.Flags().StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")

	terminate := &cobra.Command{
		Use:   "terminate",
		Short: "Ask the server to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dial(cmd.Context(), opts)
			if err != nil {
				return err
			}

			return c.Terminate()
		},
	}

	root.AddCommand(call, terminate)

	return root
}

func dial(ctx context.Context, opts *options) (*temclient.Client, error) {
	// keep client logs out of the printed result
	l := logger.NewSlog(logger.WarnLevel, false, logger.WithOutput(os.Stderr))

	return temclient.Dial(ctx, opts.address,
		temclient.WithReplyTimeout(opts.timeout),
		temclient.WithDialRetries(2),
		temclient.WithLogger(l),
	)
}

// parseValue interprets a command line value as JSON when possible
// (numbers, booleans, null, arrays, objects) and as a plain string otherwise.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}

	return s
}

func parseArgs(raw []string) []any {
	if len(raw) == 0 {
		return nil
	}

	args := make([]any, len(raw))
	for i, s := range raw {
		args[i] = parseValue(s)
	}

	return args
}

func parseKwargs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	kwargs := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid keyword argument %s, expected key=value", strconv.Quote(kv))
		}
		kwargs[key] = parseValue(value)
	}

	return kwargs, nil
}

func printResult(w io.Writer, format string, result any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(result)

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}

		return enc.Close()

	default:
		return fmt.Errorf("unknown output format %q, expected json or yaml", format)
	}
}
