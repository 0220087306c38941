package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/client"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/models"
)

var errUsage = errors.New("usage")

const secretKeyBytesLen = 32

const usage = `Usage: bookingctl [flags] <command> [args]

Commands:
  login <email>                          log in, password is read from stdin
  register <email> <username> [first] [last]
                                         register, password is read from stdin
  logout                                 forget the session
  whoami                                 show logged in user
  therapists [page]                      list therapists
  appointments [page]                    list own appointments
  book <therapist-id> <start> <minutes> [notes]
                                         book appointment, start is RFC3339
  cancel <appointment-id>                cancel appointment
  gensecret                              print random secret for --store-secret
`

type App struct {
	client *client.Client
	in     *bufio.Reader
	out    io.Writer
	logger logger.Logger
}

func NewApp(ctx context.Context, c *Config, in io.Reader, out io.Writer) (*App, error) {
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	cl, err := client.New(ctx, c.ClientConfig(), client.Deps{Logger: l})
	if err != nil {
		return nil, fmt.Errorf("error while creating client. Err: %w", err)
	}

	return &App{
		client: cl,
		in:     bufio.NewReader(in),
		out:    out,
		logger: l,
	}, nil
}

func (a *App) Close() error {
	return a.client.Close()
}

// Execute command. Session is restored first, commands that create a session ignore restore failures
func (a *App) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		_, _ = fmt.Fprint(a.out, usage)
		return errUsage
	}
	cmd, args := args[0], args[1:]

	if cmd == "gensecret" {
		return a.gensecret()
	}

	if err := a.client.Start(ctx); err != nil {
		switch cmd {
		case "login", "register", "logout":
			a.logger.Debug("Session could not be restored", "error", err)
		default:
			return err
		}
	}

	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "register":
		return a.register(ctx, args)
	case "logout":
		return a.logout(ctx)
	case "whoami":
		return a.whoami(ctx)
	case "therapists":
		return a.therapists(ctx, args)
	case "appointments":
		return a.appointments(ctx, args)
	case "book":
		return a.book(ctx, args)
	case "cancel":
		return a.cancel(ctx, args)
	default:
		_, _ = fmt.Fprint(a.out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *App) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: login <email>", errUsage)
	}

	password, err := a.readPassword()
	if err != nil {
		return err
	}

	if err := a.client.Auth().Login(ctx, models.Credentials{Email: args[0], Password: password}); err != nil {
		return err
	}

	u := a.client.Session().CurrentUser()
	if u == nil {
		return fmt.Errorf("backend issued unusable access token: %w", apperrors.ErrUnauthorized)
	}
	_, err = fmt.Fprintf(a.out, "Logged in as %s (%s)\n", u.Username, u.Email)
	return err
}

func (a *App) register(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return fmt.Errorf("%w: register <email> <username> [first] [last]", errUsage)
	}

	password, err := a.readPassword()
	if err != nil {
		return err
	}

	reg := models.Registration{Email: args[0], Username: args[1], Password: password}
	if len(args) > 2 {
		reg.FirstName = args[2]
	}
	if len(args) > 3 {
		reg.LastName = args[3]
	}

	if err := a.client.Auth().Register(ctx, reg); err != nil {
		return err
	}

	if a.client.Session().IsAuthenticated() {
		_, err = fmt.Fprintf(a.out, "Registered and logged in as %s\n", reg.Username)
	} else {
		_, err = fmt.Fprintf(a.out, "Registered %s, please log in\n", reg.Username)
	}
	return err
}

func (a *App) logout(ctx context.Context) error {
	if err := a.client.Auth().Logout(ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintln(a.out, "Logged out")
	return err
}

func (a *App) whoami(ctx context.Context) error {
	if err := a.requireSession(); err != nil {
		return err
	}

	p, err := a.client.Booking().Me(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(a.out, "%s <%s>\nid: %s\nroles: %s\n", p.Username, p.Email, p.ID, strings.Join(p.Roles, ", "))
	if err != nil {
		return err
	}
	if u := a.client.Session().CurrentUser(); u != nil {
		_, err = fmt.Fprintf(a.out, "session expires: %s\n", u.ExpiresAt.Local().Format(time.RFC3339))
	}
	return err
}

func (a *App) therapists(ctx context.Context, args []string) error {
	page, err := pageArg(args)
	if err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	p, err := a.client.Booking().ListTherapists(ctx, page, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSPECIALIZATIONS\tHOURLY RATE")
	for _, t := range p.Items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.FullName(), strings.Join(t.Specializations, ", "), t.HourlyRate.StringFixed(2))
	}
	_, _ = fmt.Fprintf(w, "page %d, %d of %d\n", p.Page, len(p.Items), p.Total)
	return w.Flush()
}

func (a *App) appointments(ctx context.Context, args []string) error {
	page, err := pageArg(args)
	if err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	p, err := a.client.Booking().ListAppointments(ctx, page, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTHERAPIST\tSTARTS AT\tMINUTES\tSTATUS\tPRICE")
	for _, ap := range p.Items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			ap.ID, ap.TherapistID, ap.StartsAt.Local().Format(time.RFC3339), ap.Duration, ap.Status, ap.Price.StringFixed(2))
	}
	_, _ = fmt.Fprintf(w, "page %d, %d of %d\n", p.Page, len(p.Items), p.Total)
	return w.Flush()
}

func (a *App) book(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: book <therapist-id> <start> <minutes> [notes]", errUsage)
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	therapistID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("%w: invalid therapist id: %w", errUsage, err)
	}
	startsAt, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		return fmt.Errorf("%w: invalid start time: %w", errUsage, err)
	}
	minutes, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("%w: invalid duration: %w", errUsage, err)
	}

	ap, err := a.client.Booking().BookAppointment(ctx, models.BookRequest{
		TherapistID: therapistID,
		StartsAt:    startsAt,
		Duration:    minutes,
		Notes:       strings.Join(args[3:], " "),
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(a.out, "Booked %s at %s, price %s\n", ap.ID, ap.StartsAt.Local().Format(time.RFC3339), ap.Price.StringFixed(2))
	return err
}

func (a *App) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: cancel <appointment-id>", errUsage)
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("%w: invalid appointment id: %w", errUsage, err)
	}

	if err := a.client.Booking().CancelAppointment(ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "Cancelled %s\n", id)
	return err
}

// Secret for the encrypted file store
func (a *App) gensecret() error {
	b := make([]byte, secretKeyBytesLen)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("error while generating secret key: %w", err)
	}

	_, err := fmt.Fprintln(a.out, hex.EncodeToString(b))
	return err
}

func (a *App) requireSession() error {
	if !a.client.Session().IsAuthenticated() {
		return fmt.Errorf("not logged in: %w", apperrors.ErrUnauthorized)
	}
	return nil
}

func (a *App) readPassword() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("%w: password is expected on stdin", errUsage)
	}
	return password, nil
}

func pageArg(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	page, err := strconv.Atoi(args[0])
	if err != nil || page < 1 {
		return 0, fmt.Errorf("%w: page must be a positive number", errUsage)
	}
	return page, nil
}
