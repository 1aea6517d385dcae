package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pliu/petbuddy/internal/auth"
	"github.com/pliu/petbuddy/internal/chat"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/pubsub"
	"github.com/pliu/petbuddy/internal/relay"
	"github.com/pliu/petbuddy/internal/store"
	"github.com/pliu/petbuddy/internal/storeclient"
	"github.com/pliu/petbuddy/internal/tracking"
	flag "github.com/spf13/pflag"
)

const defaultServer = "http://localhost:5000"

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "petctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  login     Exchange credentials for a token",
		"  chat      Join a ticket's encrypted chat; each stdin line is sent",
		"  drive     Publish positions from a recorded track to a booking",
		"  watch     Follow a booking's driver and print the route",
	}
}

// RunCLI dispatches one petctl command.
func RunCLI(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "login":
		err = runLogin(ctx, rest, stdout)
	case "chat":
		err = runChat(ctx, rest, stdin, stdout)
	case "drive":
		err = runDrive(ctx, rest)
	case "watch":
		err = runWatch(ctx, rest, stdout)
	default:
		return UsageError{Program: prog}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return err
	}
	return nil
}

type common struct {
	server   string
	token    string
	logLevel string
}

func commonFlags(fs *flag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.server, "server", getenv("PETCTL_SERVER", defaultServer), "relay base URL")
	fs.StringVar(&c.token, "token", os.Getenv("PETCTL_TOKEN"), "bearer token (see petctl login)")
	fs.StringVar(&c.logLevel, "log-level", "warn", "log level")
	return c
}

func (c *common) logger() *slog.Logger {
	return logging.NewLogger(logging.Config{ServiceName: "petctl", Level: c.logLevel, Output: os.Stderr})
}

func (c *common) requireToken() error {
	if strings.TrimSpace(c.token) == "" {
		return errors.New("a token is required (--token or PETCTL_TOKEN)")
	}
	return nil
}

func (c *common) channel(logger *slog.Logger) *pubsub.Manager {
	return pubsub.NewManager(relay.Dialer(c.server, c.token, logger), pubsub.WithLogger(logger))
}

func runLogin(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	c := commonFlags(fs)
	user := fs.String("user", "", "username")
	password := fs.String("password", os.Getenv("PETCTL_PASSWORD"), "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *password == "" {
		return errors.New("--user and --password are required")
	}

	resp, err := storeclient.New(c.server, "").Login(ctx, *user, *password)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, resp.Token)
	return nil
}

func runChat(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	c := commonFlags(fs)
	room := fs.String("room", "", "ticket id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" {
		return errors.New("--room is required")
	}
	if err := c.requireToken(); err != nil {
		return err
	}
	logger := c.logger()

	manager := c.channel(logger)
	defer manager.Close()
	session, err := chat.Open(ctx, chat.Config{
		RoomID:   *room,
		Identity: auth.TokenIdentity{Token: c.token},
		Store:    storeclient.New(c.server, c.token),
		Channel:  manager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	printer := newTranscriptPrinter(stdout)
	printer.print(session.Transcript())
	warned := false

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-session.Updates():
			if !ok {
				return nil
			}
			printer.print(session.Transcript())
			if session.Status() == chat.StatusDegraded && !warned {
				warned = true
				fmt.Fprintf(stdout, "! live updates unavailable: %v\n", session.Err())
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			session.SetDraft(line)
			if _, err := session.SendDraft(ctx); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
				fmt.Fprintf(stdout, "! not sent: %v\n", err)
			}
		}
	}
}

// transcriptPrinter writes each confirmed record once.
type transcriptPrinter struct {
	out     io.Writer
	printed map[string]bool
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{out: out, printed: make(map[string]bool)}
}

func (p *transcriptPrinter) print(recs []models.ChatRecord) {
	for _, r := range recs {
		if r.State != models.RecordConfirmed || p.printed[r.LocalID] {
			continue
		}
		p.printed[r.LocalID] = true
		fmt.Fprintf(p.out, "[%s] %s: %s\n", r.Timestamp.Local().Format(time.Kitchen), r.SenderName, r.Body)
	}
}

func runDrive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("drive", flag.ContinueOnError)
	c := commonFlags(fs)
	booking := fs.String("booking", "", "booking id")
	track := fs.String("track", "", "YAML track to replay")
	interval := fs.Duration("interval", tracking.DefaultInterval, "publish interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *booking == "" || *track == "" {
		return errors.New("--booking and --track are required")
	}
	if err := c.requireToken(); err != nil {
		return err
	}
	locator, err := tracking.LoadReplay(*track)
	if err != nil {
		return err
	}
	logger := c.logger()

	manager := c.channel(logger)
	defer manager.Close()
	p := &tracking.Publisher{
		BookingID: *booking,
		Channel:   manager,
		Locator:   locator,
		Interval:  *interval,
		Logger:    logger,
	}
	return p.Run(ctx)
}

func runWatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	c := commonFlags(fs)
	booking := fs.String("booking", "", "booking id")
	minMove := fs.Float64("min-move", 0, "metres the driver must move before the route is recomputed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *booking == "" {
		return errors.New("--booking is required")
	}
	if err := c.requireToken(); err != nil {
		return err
	}
	logger := c.logger()

	opts := []tracking.Option{tracking.WithLogger(logger), tracking.WithMinMove(*minMove)}
	trip, err := storeclient.New(c.server, c.token).GetTrip(ctx, *booking)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(stdout, "! no destination on record, showing position only")
	case err != nil:
		return err
	default:
		if trip.Pickup != nil {
			opts = append(opts, tracking.WithPickup(*trip.Pickup))
		}
		if trip.Destination != nil {
			opts = append(opts, tracking.WithDestination(*trip.Destination))
		}
	}

	manager := c.channel(logger)
	defer manager.Close()
	tracker, err := tracking.Track(ctx, manager, *booking, opts...)
	if err != nil {
		return err
	}
	defer tracker.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-tracker.Updates():
			if !ok {
				return nil
			}
			fmt.Fprintln(stdout, formatView(tracker.View()))
		}
	}
}

func formatView(v tracking.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s", v.State)
	if v.Position != nil {
		fmt.Fprintf(&b, " at %.5f,%.5f", v.Position.Lat, v.Position.Lng)
		if v.Position.Accuracy != nil {
			fmt.Fprintf(&b, " ±%.0fm", *v.Position.Accuracy)
		}
	}
	if v.Route != nil {
		fmt.Fprintf(&b, " route %.2f km", v.Route.Distance/1000)
	}
	if v.Err != nil {
		fmt.Fprintf(&b, " (%v)", v.Err)
	}
	return b.String()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
