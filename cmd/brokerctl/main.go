// Command brokerctl mints tokens and results and drives a running broker,
// for manual testing of a deployment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	bcrypto "github.com/verder-helpen/comm-livecom/internal/crypto"
	"github.com/verder-helpen/comm-livecom/internal/model"
	"github.com/verder-helpen/comm-livecom/internal/result"
	"github.com/verder-helpen/comm-livecom/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `brokerctl
Usage:
  brokerctl [--addr URL] <cmd> [flags]

Commands:
  version
  guest-token  --key K --purpose P --redirect URL --name N --room R [--ttl D]
  host-token   --key K --room R [--ttl D]
  keygen                                   (age identity for encrypted results)
  seal         --key-file PEM --status S [--attr k=v]... [--session-url U] [--recipient age1...]... [--ttl D]
  start        --method M --token T
  submit       --attr-id ID [--file F|-]
  info         --token T
  options      --token T
`

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := pflag.NewFlagSet("brokerctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	addr := global.String("addr", envOr("LIVECOM_BROKER_URL", "http://localhost:8000"), "broker base URL")
	global.SetInterspersed(false)
	global.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() < 1 {
		fmt.Fprint(stderr, usageText)
		return 2
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	cli := newBrokerClient(*addr)

	var err error
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "brokerctl %s (%s)\n", version, buildDate)
	case "guest-token":
		err = guestToken(rest, stdout)
	case "host-token":
		err = hostToken(rest, stdout)
	case "keygen":
		err = keygen(stdout)
	case "seal":
		err = seal(rest, stdout)
	case "start":
		err = start(ctx, cli, rest, stdout)
	case "submit":
		err = submit(ctx, cli, rest, stdin, stdout)
	case "info":
		err = info(ctx, cli, rest, stdout)
	case "options":
		err = options(ctx, cli, rest, stdout)
	default:
		fmt.Fprint(stderr, usageText)
		return 2
	}
	if err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func need(fs *pflag.FlagSet, names ...string) error {
	for _, n := range names {
		if f := fs.Lookup(n); f == nil || f.Value.String() == "" {
			return fmt.Errorf("%w: %s needs --%s", errUsage, fs.Name(), n)
		}
	}
	return nil
}

func guestToken(args []string, out io.Writer) error {
	fs := newFlags("guest-token")
	key := fs.String("key", os.Getenv("LIVECOM_GUEST_KEY"), "guest HS256 secret")
	var g model.GuestToken
	fs.StringVar(&g.Purpose, "purpose", "", "verification purpose")
	fs.StringVar(&g.RedirectURL, "redirect", "", "guest redirect URL")
	fs.StringVar(&g.Name, "name", "", "display name")
	fs.StringVar(&g.RoomID, "room", "", "room id")
	ttl := fs.Duration("ttl", time.Hour, "validity")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "key", "purpose", "redirect", "name", "room"); err != nil {
		return err
	}
	tok, err := token.NewIssuer([]byte(*key)).Guest(g, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func hostToken(args []string, out io.Writer) error {
	fs := newFlags("host-token")
	key := fs.String("key", os.Getenv("LIVECOM_HOST_KEY"), "host HS256 secret")
	room := fs.String("room", "", "room id")
	ttl := fs.Duration("ttl", time.Hour, "validity")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "key", "room"); err != nil {
		return err
	}
	tok, err := token.NewIssuer([]byte(*key)).Host(model.HostToken{RoomID: *room}, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func keygen(out io.Writer) error {
	id, err := bcrypto.GenerateIdentity()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# created: %s\n# public key: %s\n%s\n", time.Now().UTC().Format(time.RFC3339), id.Recipient(), id.String())
	return nil
}

func seal(args []string, out io.Writer) error {
	fs := newFlags("seal")
	keyFile := fs.String("key-file", "", "authority private key (PEM)")
	status := fs.String("status", string(model.AuthStatusSuccess), "succes or failed")
	attrs := fs.StringToString("attr", nil, "attribute key=value")
	sessionURL := fs.String("session-url", "", "optional session URL")
	recipients := fs.StringArray("recipient", nil, "age recipient; repeat for several")
	ttl := fs.Duration("ttl", 5*time.Minute, "result validity")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "key-file"); err != nil {
		return err
	}
	pemBytes, err := readAll(*keyFile, nil)
	if err != nil {
		return err
	}
	key, err := result.ParseSigningKey(pemBytes)
	if err != nil {
		return err
	}
	s, err := result.NewSealer(key, *recipients...)
	if err != nil {
		return err
	}
	blob, err := s.Seal(model.ClaimSet{
		Status:     model.AuthStatus(*status),
		Attributes: *attrs,
		SessionURL: *sessionURL,
	}, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, blob)
	return nil
}

func start(ctx context.Context, cli *brokerClient, args []string, out io.Writer) error {
	fs := newFlags("start")
	method := fs.String("method", "", "auth method")
	tok := fs.String("token", "", "guest token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "method", "token"); err != nil {
		return err
	}
	raw, err := cli.Start(ctx, *method, *tok)
	if err != nil {
		return err
	}
	return printRaw(out, raw)
}

func submit(ctx context.Context, cli *brokerClient, args []string, stdin io.Reader, out io.Writer) error {
	fs := newFlags("submit")
	attrID := fs.String("attr-id", "", "session attr_id")
	file := fs.String("file", "-", "result blob file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "attr-id"); err != nil {
		return err
	}
	blob, err := readAll(*file, stdin)
	if err != nil {
		return err
	}
	if err := cli.Submit(ctx, *attrID, blob); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func info(ctx context.Context, cli *brokerClient, args []string, out io.Writer) error {
	fs := newFlags("info")
	tok := fs.String("token", "", "host token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "token"); err != nil {
		return err
	}
	raw, err := cli.SessionInfo(ctx, *tok)
	if err != nil {
		return err
	}
	var si model.SessionInfo
	if err := json.Unmarshal(raw, &si); err != nil {
		return fmt.Errorf("decode session info: %w", err)
	}
	names := make([]string, 0, len(si))
	for n := range si {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if cs := si[n]; cs == nil {
			fmt.Fprintf(out, "%s\tpending\n", n)
		} else {
			fmt.Fprintf(out, "%s\t%s\n", n, cs.Status)
		}
	}
	return nil
}

func options(ctx context.Context, cli *brokerClient, args []string, out io.Writer) error {
	fs := newFlags("options")
	tok := fs.String("token", "", "guest token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := need(fs, "token"); err != nil {
		return err
	}
	raw, err := cli.SessionOptions(ctx, *tok)
	if err != nil {
		return err
	}
	return printRaw(out, raw)
}

// readAll reads a file, or stdin when p is "-".
func readAll(p string, stdin io.Reader) ([]byte, error) {
	if p == "-" {
		if stdin == nil {
			return nil, errors.New("stdin not available")
		}
		return io.ReadAll(stdin)
	}
	return os.ReadFile(p)
}

func printRaw(out io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = out.Write(raw)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
