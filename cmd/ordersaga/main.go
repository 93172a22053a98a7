// Command ordersaga runs fulfillment workers and drives orders from the shell.
//
//	ordersaga worker [-queues orders,shipping]
//	ordersaga start [-order-id id] [-payment-id id] [-timeout 300s] [-wait]
//	ordersaga signal <order-id> approve|cancel
//	ordersaga query <order-id>
//	ordersaga history <order-id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/k0kubun/pp/v3"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/ordersaga/internal/activities"
	"github.com/davidroman0O/ordersaga/internal/config"
	"github.com/davidroman0O/ordersaga/internal/engine"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
	"github.com/davidroman0O/ordersaga/internal/fulfillment"
	"github.com/davidroman0O/ordersaga/internal/logs"
	"github.com/davidroman0O/ordersaga/internal/saga/order"
	"github.com/davidroman0O/ordersaga/internal/telemetry"
)

const serviceName = "ordersaga"

func init() {
	maxprocs.Set()

	deadlock.Opts.DeadlockTimeout = 30 * time.Second
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Println("POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
		log.Printf("Goroutine stack dump:\n%s", buf)
	}
}

var errUsage = errors.New("usage: ordersaga worker|start|signal|query|history [flags] [args]")

type command struct {
	name string

	// worker
	queues []string

	// start
	orderID   string
	paymentID string
	timeout   time.Duration
	wait      bool

	// signal, query, history
	target string
	signal string
}

// parse reads the subcommand and its flags. Defaults come from cfg.
func parse(args []string, cfg config.Config) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}
	cmd := command{name: args[0]}

	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd.name {
	case "worker":
		hosted := fs.String("queues", strings.Join(cfg.Queues, ","), "comma separated queues to host")
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
		for _, q := range strings.Split(*hosted, ",") {
			if q = strings.TrimSpace(q); q != "" {
				cmd.queues = append(cmd.queues, q)
			}
		}
		if len(cmd.queues) == 0 {
			return command{}, fmt.Errorf("worker: no queue to host")
		}

	case "start":
		fs.StringVar(&cmd.orderID, "order-id", "", "order id, generated when empty")
		fs.StringVar(&cmd.paymentID, "payment-id", "", "payment id, generated when empty")
		fs.DurationVar(&cmd.timeout, "timeout", cfg.ExecutionTimeout, "execution timeout")
		fs.BoolVar(&cmd.wait, "wait", false, "block until the order ends")
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
		if cmd.orderID == "" {
			cmd.orderID = "order-" + shortID(6)
		}
		if cmd.paymentID == "" {
			cmd.paymentID = "payment-" + shortID(8)
		}

	case "signal":
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
		if fs.NArg() != 2 {
			return command{}, fmt.Errorf("signal: want <order-id> approve|cancel")
		}
		cmd.target, cmd.signal = fs.Arg(0), fs.Arg(1)
		if cmd.signal != order.SignalApprove && cmd.signal != order.SignalCancel {
			return command{}, fmt.Errorf("signal: unknown signal %q", cmd.signal)
		}

	case "query", "history":
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
		if fs.NArg() != 1 {
			return command{}, fmt.Errorf("%s: want <order-id>", cmd.name)
		}
		cmd.target = fs.Arg(0)

	default:
		return command{}, errUsage
	}
	return cmd, nil
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	cmd, err := parse(args, cfg)
	if err != nil {
		return err
	}

	level, err := logs.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logs.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := logs.NewDefaultLogger(level, format, logs.WithWriter(os.Stderr))

	store, err := fulfillment.OpenHistory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cmd.name == "worker" {
		return work(ctx, cfg, cmd, store, logger)
	}

	// handlers never run without a router, so clients need no repository
	reg, err := fulfillment.Registry(activities.New(nil), fulfillment.SettingsFrom(cfg))
	if err != nil {
		return err
	}
	e, err := engine.New(reg, store, engine.WithLogger(logger), engine.WithPollInterval(cfg.PollInterval))
	if err != nil {
		return err
	}

	switch cmd.name {
	case "start":
		return startOrder(ctx, e, cmd, out)
	case "signal":
		if err := e.Signal(ctx, cmd.target, cmd.signal, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "Signal '%s' sent to %s.\n", cmd.signal, cmd.target)
		return nil
	case "query":
		return queryOrder(ctx, e, cmd.target, out)
	default:
		events, err := e.History(ctx, cmd.target)
		if err != nil {
			return err
		}
		printer := pp.New()
		printer.SetOutput(out)
		printer.SetColoringEnabled(false)
		_, err = printer.Println(events)
		return err
	}
}

func work(ctx context.Context, cfg config.Config, cmd command, store history.Store, logger logs.Logger) error {
	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}

	repo, err := fulfillment.OpenRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	reg, err := fulfillment.Registry(activities.New(repo, activities.WithLogger(logger)), fulfillment.SettingsFrom(cfg))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	router := queues.NewRouter(ctx, logger)
	if err := fulfillment.BindQueues(router, cmd.queues, fulfillment.Workers(cfg)); err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithRouter(router),
		engine.WithLogger(logger),
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithRetention(cfg.Retention),
		engine.WithLease(cfg.Lease),
	}
	if cfg.WorkerID != "" {
		opts = append(opts, engine.WithOwner(cfg.WorkerID))
	}
	e, err := engine.New(reg, store, opts...)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return e.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(flushCtx)
	})
	return g.Wait()
}

func startOrder(ctx context.Context, e *engine.Engine, cmd command, out io.Writer) error {
	input := order.Input{OrderID: cmd.orderID, PaymentID: cmd.paymentID}
	if err := e.Start(ctx, order.Kind, cmd.orderID, input, engine.WithExecutionTimeout(cmd.timeout)); err != nil {
		return err
	}
	fmt.Fprintf(out, "Started order %s with payment %s\n", cmd.orderID, cmd.paymentID)

	if !cmd.wait {
		return nil
	}
	result, err := e.AwaitResult(ctx, cmd.orderID)
	if err != nil {
		return err
	}
	var text string
	if err := result.Decode(&text); err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}

func queryOrder(ctx context.Context, e *engine.Engine, id string, out io.Writer) error {
	inst, err := e.Describe(ctx, id)
	if err != nil {
		return err
	}
	v, err := e.Query(ctx, id, order.QueryStatus)
	if err != nil {
		return err
	}
	snap, ok := v.(order.Snapshot)
	if !ok {
		return fmt.Errorf("instance %s is not an order", id)
	}

	fmt.Fprintf(out, "Status for order %s\n", id)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROPERTY\tVALUE")
	fmt.Fprintf(tw, "Workflow Status\t%s\n", inst.Status)
	fmt.Fprintf(tw, "Status\t%s\n", snap.Status)
	fmt.Fprintf(tw, "Cancelled\t%t\n", snap.Cancelled)
	fmt.Fprintf(tw, "Approved\t%t\n", snap.Approved)
	if snap.Reason != "" {
		fmt.Fprintf(tw, "Reason\t%s\n", snap.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !inst.Status.Terminal() {
		return nil
	}
	result, err := e.AwaitResult(ctx, id)
	var failure *engine.WorkflowFailure
	switch {
	case errors.As(err, &failure):
		fmt.Fprintf(out, "\nFinal Result: failed: %s\n", failure.Reason)
	case errors.Is(err, engine.ErrTerminated):
		fmt.Fprintln(out, "\nFinal Result: terminated")
	case err != nil:
		return err
	default:
		var text string
		if err := result.Decode(&text); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nFinal Result: %s\n", text)
	}
	return nil
}
