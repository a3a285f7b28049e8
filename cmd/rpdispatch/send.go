package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/p2p-b2b/rpdispatch"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	method   string
	data     string
	recover  bool
	attempts int
	strategy string
	headers  []string
}

func newSendCmd(root *rootOptions) *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send PATH",
		Short: "Send one request to the project API",
		Long: `Send one request to PATH under /api/v1/{project}/ and print the JSON response.

With --recover the request is retried on failures, rejections with error code
4001 are ignored and child start times earlier than their parent are corrected.`,
		Example: `  rpdispatch send launch --data launch.json --recover
  echo '{"end_time": 1700000000000}' | rpdispatch send launch/abc/finish -X PUT --data -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := root.load(cmd)
			if err != nil {
				return err
			}

			reqOpts, err := opts.requestOptions(cmd.InOrStdin())
			if err != nil {
				return err
			}

			d, err := rpdispatch.New(settings, logger,
				rpdispatch.WithMaxAttempts(opts.attempts),
				rpdispatch.WithRetryStrategyAsString(opts.strategy),
				rpdispatch.WithCorrectionHandler(func(startTime int64) {
					logger.Info("Start time corrected", "start_time", startTime)
				}),
			)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			result, err := send(ctx, d, opts, args[0], reqOpts)
			if err != nil {
				return err
			}
			if result == nil {
				return nil
			}

			out := cmd.OutOrStdout()
			if _, err := out.Write(result); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.method, "method", "X", "POST", "HTTP method")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "JSON body file, - reads stdin")
	cmd.Flags().BoolVar(&opts.recover, "recover", false, "retry and correct rejected requests")
	cmd.Flags().IntVar(&opts.attempts, "attempts", rpdispatch.DefaultMaxAttempts, "attempts with --recover")
	cmd.Flags().StringVar(&opts.strategy, "retry-strategy", string(rpdispatch.FixedDelayStrategy), "delay strategy with --recover (fixed, jitter, exponential)")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "extra header 'Name: value'")

	return cmd
}

func send(ctx context.Context, d *rpdispatch.Dispatcher, opts *sendOptions, path string, reqOpts rpdispatch.RequestOptions) (json.RawMessage, error) {
	if opts.recover {
		return d.DispatchWithRecovery(ctx, opts.method, path, reqOpts)
	}
	return d.Dispatch(ctx, opts.method, path, reqOpts)
}

func (o *sendOptions) requestOptions(stdin io.Reader) (rpdispatch.RequestOptions, error) {
	var reqOpts rpdispatch.RequestOptions

	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return reqOpts, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		if reqOpts.Headers == nil {
			reqOpts.Headers = make(http.Header)
		}
		reqOpts.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if o.data == "" {
		return reqOpts, nil
	}

	var body []byte
	var err error
	if o.data == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(o.data)
	}
	if err != nil {
		return reqOpts, fmt.Errorf("failed to read request body: %w", err)
	}
	if !json.Valid(body) {
		return reqOpts, errors.New("request body is not valid JSON")
	}

	reqOpts.JSON = json.RawMessage(body)
	return reqOpts, nil
}
