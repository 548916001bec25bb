package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/keystore"
	"github.com/kindlyrobotics/phonebox/internal/messaging"
	"github.com/kindlyrobotics/phonebox/pkg/client"
	"go.uber.org/zap"
)

const usage = `usage: phonebox <command> [args]

commands:
  login <phone>            verify a phone number and store the identity locally
  whoami                   show the logged in user
  name [display name]      show or set the display name
  lookup <phone>...        find registered users by phone number
  send <user-id|phone> <text>
                           encrypt and send a message
  read                     fetch and decrypt messages
  logout                   remove the local identity and session
`

// Config locates the server and the local state. An empty Scheme uses the
// one the server advertised at login.
type Config struct {
	Server      string
	SessionFile string
	Scheme      crypto.Scheme
}

type App struct {
	cfg    Config
	keys   keystore.KeyStore
	reader *bufio.Reader
	out    io.Writer
	logger *zap.Logger
}

func NewApp(cfg Config, keys keystore.KeyStore, in io.Reader, out io.Writer, logger *zap.Logger) *App {
	return &App{cfg: cfg, keys: keys, reader: bufio.NewReader(in), out: out, logger: logger}
}

// Run executes one command
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return errors.New("no command given")
	}
	if err := a.keys.Init(ctx); err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		if len(rest) != 1 {
			return errors.New("usage: phonebox login <phone>")
		}
		return a.login(ctx, rest[0])
	case "whoami":
		return a.whoami(ctx)
	case "name":
		return a.name(ctx, strings.Join(rest, " "))
	case "lookup":
		if len(rest) == 0 {
			return errors.New("usage: phonebox lookup <phone>...")
		}
		return a.lookup(ctx, rest)
	case "send":
		if len(rest) < 2 {
			return errors.New("usage: phonebox send <user-id|phone> <text>")
		}
		return a.send(ctx, rest[0], strings.Join(rest[1:], " "))
	case "read":
		return a.read(ctx)
	case "logout":
		return a.logout(ctx)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *App) login(ctx context.Context, phone string) error {
	c := client.New(a.cfg.Server)
	if _, err := c.SendOTP(ctx, phone); err != nil {
		return fmt.Errorf("failed to send code: %w", err)
	}

	code, err := readCode(a.reader, a.out)
	if err != nil {
		return err
	}

	resp, err := c.VerifyOTP(ctx, phone, code)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if resp.PrivateKey != nil {
		if err := a.storeIdentity(ctx, resp.UserID, resp.PublicKey, *resp.PrivateKey); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Account created. Your private key is stored in this device only.\n")
		if resp.Token == "" {
			return errNoSession
		}
	} else if local, err := a.keys.Get(ctx); err != nil || local.UserID != resp.UserID {
		fmt.Fprintln(a.out, "Warning: this device has no private key for this account; messages cannot be decrypted here.")
	}

	if err := saveSession(a.cfg.SessionFile, &session{
		Server: a.cfg.Server,
		UserID: resp.UserID,
		Token:  resp.Token,
		Scheme: resp.MessageScheme,
	}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Logged in as %s\n", resp.UserID)
	return nil
}

func (a *App) storeIdentity(ctx context.Context, userID uuid.UUID, pubB64, privB64 string) error {
	pub, err := crypto.DecodeKey(pubB64)
	if err != nil {
		return err
	}
	priv, err := crypto.DecodeKey(privB64)
	if err != nil {
		return err
	}
	if err := a.keys.Put(ctx, keystore.Identity{UserID: userID, PublicKey: *pub, PrivateKey: *priv}); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}

// connect restores the saved session
func (a *App) connect() (*client.Client, *session, error) {
	s, err := loadSession(a.cfg.SessionFile)
	if err != nil {
		return nil, nil, err
	}
	server := s.Server
	if server == "" {
		server = a.cfg.Server
	}
	return client.New(server, client.WithToken(s.Token)), s, nil
}

func (a *App) whoami(ctx context.Context) error {
	c, s, err := a.connect()
	if err != nil {
		return err
	}

	pub, err := c.PublicKey(ctx, s.UserID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "user id:     %s\n", s.UserID)
	fmt.Fprintf(a.out, "public key:  %s\n", crypto.EncodeKey(pub))
	fmt.Fprintf(a.out, "fingerprint: %s\n", crypto.KeyFingerprint(pub[:])[:16])

	if name, err := c.DisplayName(ctx); err == nil && name != "" {
		fmt.Fprintf(a.out, "name:        %s\n", name)
	}
	if _, err := a.keys.Get(ctx); errors.Is(err, keystore.ErrNoIdentity) {
		fmt.Fprintln(a.out, "no private key on this device")
	}
	return nil
}

func (a *App) name(ctx context.Context, name string) error {
	c, _, err := a.connect()
	if err != nil {
		return err
	}
	if name == "" {
		current, err := c.DisplayName(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, current)
		return nil
	}
	set, err := c.SetDisplayName(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Display name set to %q\n", set)
	return nil
}

func (a *App) exchange(c *client.Client, s *session) *messaging.Exchange {
	scheme := a.cfg.Scheme
	if scheme == "" {
		parsed, err := crypto.ParseScheme(s.Scheme)
		if err != nil {
			parsed = crypto.SchemeBox
		}
		scheme = parsed
	}
	return messaging.NewExchange(c, c, a.keys, scheme, a.logger)
}

func (a *App) send(ctx context.Context, to, text string) error {
	c, s, err := a.connect()
	if err != nil {
		return err
	}
	receiverID, err := a.resolveRecipient(ctx, c, to)
	if err != nil {
		return err
	}

	id, err := a.exchange(c, s).Send(ctx, s.UserID, receiverID, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Sent %s\n", id)
	return nil
}

// resolveRecipient accepts a user id or a registered phone number
func (a *App) resolveRecipient(ctx context.Context, c *client.Client, to string) (uuid.UUID, error) {
	if id, err := uuid.Parse(to); err == nil {
		return id, nil
	}
	matches, err := c.Lookup(ctx, to)
	if err != nil {
		return uuid.Nil, err
	}
	if len(matches) == 0 {
		return uuid.Nil, fmt.Errorf("no registered user for %q", to)
	}
	return matches[0].UserID, nil
}

func (a *App) lookup(ctx context.Context, phones []string) error {
	c, _, err := a.connect()
	if err != nil {
		return err
	}
	matches, err := c.Lookup(ctx, phones...)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintln(a.out, "No registered users found")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, m := range matches {
		name := ""
		if m.DisplayName != nil {
			name = *m.DisplayName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Phone, m.UserID, name)
	}
	return tw.Flush()
}

func (a *App) read(ctx context.Context) error {
	c, s, err := a.connect()
	if err != nil {
		return err
	}

	msgs, err := a.exchange(c, s).FetchAndDecrypt(ctx, s.UserID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(a.out, "No messages")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		direction := "from " + m.SenderID.String()
		if m.SenderID == s.UserID {
			direction = "to " + m.ReceiverID.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), direction, m.Text)
	}
	return tw.Flush()
}

func (a *App) logout(ctx context.Context) error {
	if err := a.keys.Clear(ctx); err != nil {
		return err
	}
	if err := clearSession(a.cfg.SessionFile); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out. The local private key was removed.")
	return nil
}
