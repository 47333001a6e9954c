package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/TFMV/ferry/config"
	"github.com/TFMV/ferry/engine"
	"github.com/TFMV/ferry/host"
	"github.com/TFMV/ferry/session"
	"github.com/TFMV/ferry/types"
	"github.com/docopt/docopt.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const usage = `Ferry columnar bridge.

Usage:
  ferry serve [--config=<path>] [--interval=<seconds>] [--rows=<n>] [--metrics-addr=<addr>]
  ferry demo [--config=<path>] [--rows=<n>] [--save=<path>]
  ferry types
  ferry (-h | --help)
  ferry --version

Options:
  -h --help              Show this screen.
  --version              Show version.
  --config=<path>        YAML configuration file.
  --interval=<seconds>   Seconds between generated batches [default: 2].
  --rows=<n>             Rows per generated batch [default: 5].
  --metrics-addr=<addr>  Serve Prometheus metrics on this address.
  --save=<path>          Write the ingested table to an Arrow IPC file.
`

// GenerateBatch builds a host record batch of simulated transactions.
func GenerateBatch(s *host.Session, rows int, now time.Time) (*host.RecordBatch, error) {
	users := []int64{101, 102, 101, 103, 102}
	amounts := []float64{15.5, 20.0, 50.0, 30.0, 10.0}

	userIDs := make([]host.Value, rows)
	purchases := make([]host.Value, rows)
	stamps := make([]host.Value, rows)
	for i := 0; i < rows; i++ {
		userIDs[i] = users[i%len(users)]
		purchases[i] = amounts[i%len(amounts)]
		if i%7 == 6 {
			purchases[i] = host.None
		}
		stamps[i] = now.Unix()
	}

	fields := []struct {
		name   string
		typ    host.DataType
		values []host.Value
	}{
		{"user_id", host.Int64(), userIDs},
		{"amount", host.Float64(), purchases},
		{"ts", host.Timestamp("s", ""), stamps},
	}
	cols := make([]*host.Array, 0, len(fields))
	names := make([]string, 0, len(fields))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, f := range fields {
		arr, err := s.ArrayFromValues(f.typ, f.values)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		cols = append(cols, arr)
		names = append(names, f.name)
	}
	return s.RecordBatchFromArrays(cols, names)
}

// withTax is a row-wise function; missing amounts stay missing.
func withTax(s *host.Session, args ...host.Value) (host.Value, error) {
	if host.IsNone(args[0]) {
		return host.None, nil
	}
	amount, _ := host.AsFloat64(args[0])
	return amount * 1.2, nil
}

// loyalty is a vectorized function flagging repeat customers.
func loyalty(s *host.Session, args ...host.Value) (host.Value, error) {
	ids := args[0].(*host.Array)
	seen := make(map[int64]bool)
	out := make([]host.Value, ids.Len())
	for i := range out {
		id, _ := host.AsInt64(ids.Value(i))
		out[i] = seen[id]
		seen[id] = true
	}
	return s.ArrayFromValues(host.Bool(), out)
}

func buildContext(cfgPath string) (*session.Context, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := host.NewRuntime(host.WithLogger(logger.Named("host")))
	sc, err := session.NewContext(rt, cfg, session.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := sc.RegisterUDF("with_tax", withTax, []string{"float64"}, "float64"); err != nil {
		return nil, nil, err
	}
	if err := sc.RegisterArrayUDF("repeat_customer", loyalty, []string{"int64"}, "bool"); err != nil {
		return nil, nil, err
	}
	return sc, logger, nil
}

func ingest(sc *session.Context, rows int) error {
	return sc.Runtime().Do(func(s *host.Session) error {
		hb, err := GenerateBatch(s, rows, time.Now())
		if err != nil {
			return err
		}
		defer hb.Release()
		return sc.RegisterRecordBatches(s, "transactions", []*host.RecordBatch{hb})
	})
}

var transactionsPlan = engine.Scan("transactions").Select(
	engine.Col("user_id"),
	engine.Col("amount"),
	engine.As(engine.Call("with_tax", engine.Col("amount")), "gross"),
	engine.As(engine.Call("repeat_customer", engine.Col("user_id")), "repeat"),
)

func printBatches(sc *session.Context, batches []*host.RecordBatch) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	_ = sc.Runtime().Do(func(s *host.Session) error {
		for i, hb := range batches {
			if i == 0 {
				fmt.Fprintln(w, strings.Join(hb.Schema().Names(), "\t"))
			}
			for r := 0; r < hb.NumRows(); r++ {
				cells := make([]string, hb.NumColumns())
				for c := range cells {
					cells[c] = fmt.Sprint(hb.Column(c).Value(r))
				}
				fmt.Fprintln(w, strings.Join(cells, "\t"))
			}
		}
		return nil
	})
}

func runDemo(cfgPath string, rows int, savePath string) error {
	sc, logger, err := buildContext(cfgPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer sc.Close()

	if err := ingest(sc, rows); err != nil {
		return err
	}
	if savePath != "" {
		if err := sc.Engine().SaveTable("transactions", savePath); err != nil {
			return err
		}
		logger.Info("saved table", zap.String("path", savePath))
	}
	batches, err := sc.Collect(context.Background(), transactionsPlan)
	if err != nil {
		return err
	}
	defer func() {
		for _, hb := range batches {
			hb.Release()
		}
	}()
	printBatches(sc, batches)
	logger.Info("demo finished",
		zap.Int("batches", len(batches)),
		zap.Uint64("transfers_live", sc.Bridge().Ledger().Live()),
	)
	return nil
}

func runServe(cfgPath string, interval time.Duration, rows int, metricsAddr string) error {
	sc, logger, err := buildContext(cfgPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer sc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	// Listen for OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("starting ferry", zap.Duration("interval", interval), zap.Int("rows", rows))

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("received OS signal, shutting down", zap.String("signal", sig.String()))
			return nil
		case <-ticker.C:
			if err := ingest(sc, rows); err != nil {
				logger.Error("ingest failed", zap.Error(err))
				continue
			}
			batches, err := sc.Collect(ctx, transactionsPlan)
			if err != nil {
				logger.Error("query failed", zap.Error(err))
				continue
			}
			totals := make(map[int64]float64)
			_ = sc.Runtime().Do(func(s *host.Session) error {
				for _, hb := range batches {
					for r := 0; r < hb.NumRows(); r++ {
						id, _ := host.AsInt64(hb.Column(0).Value(r))
						gross, ok := host.AsFloat64(hb.Column(2).Value(r))
						if ok {
							totals[id] += gross
						}
					}
					hb.Release()
				}
				return nil
			})
			for user, sum := range totals {
				logger.Info("query result", zap.Int64("user_id", user), zap.Float64("total_gross", sum))
			}
		}
	}
}

func listTypes() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NAME\tFORMAT")
	for _, name := range types.Names() {
		dt, err := types.Lookup(name)
		if err != nil {
			continue
		}
		format, err := types.FormatOf(dt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", name, format)
	}
}

func main() {
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	if v, _ := arguments.Bool("--version"); v {
		fmt.Println("ferry version 0.1.0")
		os.Exit(0)
	}

	cfgPath, _ := arguments.String("--config")
	rows, err := arguments.Int("--rows")
	if err != nil || rows < 0 {
		rows = 5
	}

	switch {
	case isSet(arguments, "types"):
		listTypes()
	case isSet(arguments, "demo"):
		savePath, _ := arguments.String("--save")
		err = runDemo(cfgPath, rows, savePath)
	case isSet(arguments, "serve"):
		interval, ierr := arguments.Int("--interval")
		if ierr != nil || interval <= 0 {
			interval = 2
		}
		metricsAddr, _ := arguments.String("--metrics-addr")
		err = runServe(cfgPath, time.Duration(interval)*time.Second, rows, metricsAddr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferry: %v\n", err)
		os.Exit(1)
	}
}

func isSet(args docopt.Opts, cmd string) bool {
	v, _ := args.Bool(cmd)
	return v
}
