// ABOUTME: Command-line client for pairchat: accounts, user search, history, sending and tailing
// ABOUTME: Talks to the server's JSON API and stores the login token under the user's config dir

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"html"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
)

const banner = `
             _           _           _
 _ __   __ _(_)_ __ ___| |__   __ _| |_
| '_ \ / _' | | '__/ __| '_ \ / _' | __|
| |_) | (_| | | | | (__| | | | (_| | |_
| .__/ \__,_|_|_|  \___|_| |_|\__,_|\__|
|_|
`

func printUsage(w io.Writer) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pairchat-cli <command> [args]")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  register <username>          Create an account (password read from stdin)")
	fmt.Fprintln(w, "  login <username>             Log in and save the token")
	fmt.Fprintln(w, "  logout                       Forget the saved token")
	fmt.Fprintln(w, "  users [query]                Find other users")
	fmt.Fprintln(w, "  history <peer> [-since N]    Show the conversation with peer")
	fmt.Fprintln(w, "  send <peer> <message...>     Send a message")
	fmt.Fprintln(w, "  tail <peer> [-since N]       Follow the conversation live")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  PAIRCHAT_URL       Server URL (default: http://localhost:8080)")
	fmt.Fprintln(w, "  PAIRCHAT_TOKEN     Login token (default: read from the token file)")
	fmt.Fprintln(w, "  PAIRCHAT_USER      Your name, for servers running without auth")
	fmt.Fprintln(w, "  PAIRCHAT_PASSWORD  Password for register and login")
}

// tokenPath returns where login saves the token.
// Priority: XDG_CONFIG_HOME/pairchat/token > ~/.config/pairchat/token
func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "pairchat-token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "pairchat", "token")
}

// getToken returns PAIRCHAT_TOKEN or the saved token, if any.
func getToken() string {
	if t := os.Getenv("PAIRCHAT_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func serverURL() string {
	if u := os.Getenv("PAIRCHAT_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := NewClient(serverURL(), getToken(), os.Getenv("PAIRCHAT_USER"))
	if err := run(ctx, c, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *Client, cmd string, args []string, in io.Reader, out io.Writer) error {
	switch cmd {
	case "register":
		return cmdRegister(ctx, c, args, in, out)
	case "login":
		return cmdLogin(ctx, c, args, in, out)
	case "logout":
		return cmdLogout(out)
	case "users":
		return cmdUsers(ctx, c, args, out)
	case "history":
		return cmdHistory(ctx, c, args, out)
	case "send":
		return cmdSend(ctx, c, args, out)
	case "tail":
		return cmdTail(ctx, c, args, out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// readPassword takes PAIRCHAT_PASSWORD or the first line of in.
func readPassword(in io.Reader, out io.Writer) (string, error) {
	if p := os.Getenv("PAIRCHAT_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Fprint(out, "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func cmdRegister(ctx context.Context, c *Client, args []string, in io.Reader, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: register <username>")
	}
	password, err := readPassword(in, out)
	if err != nil {
		return err
	}
	if err := c.Register(ctx, args[0], password); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "  ✓ Registered %s\n", args[0])
	return nil
}

func cmdLogin(ctx context.Context, c *Client, args []string, in io.Reader, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: login <username>")
	}
	password, err := readPassword(in, out)
	if err != nil {
		return err
	}
	resp, err := c.Login(ctx, args[0], password)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	if resp.Token == "" {
		green.Fprintf(out, "  ✓ Logged in as %s\n", resp.Username)
		fmt.Fprintln(out, "    Server runs without auth; set PAIRCHAT_USER="+resp.Username)
		return nil
	}

	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(resp.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Fprintf(out, "  ✓ Logged in as %s\n", resp.Username)
	fmt.Fprintf(out, "    Token saved to %s (expires %s)\n", path, resp.ExpiresAt)
	return nil
}

func cmdLogout(out io.Writer) error {
	path := tokenPath()
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "Not logged in.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing token file: %w", err)
	}
	color.New(color.FgGreen).Fprintf(out, "  ✓ Logged out (removed %s)\n", path)
	return nil
}

func cmdUsers(ctx context.Context, c *Client, args []string, out io.Writer) error {
	users, err := c.Users(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No users found.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Username"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, u := range users {
		table.Append([]string{u.Username})
	}
	table.Render()
	return nil
}

// peerAndSince parses "<peer> [-since N]". since is -1 when absent.
func peerAndSince(name string, args []string) (string, int64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	since := fs.Int64("since", -1, "only messages after this seq")

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", 0, fmt.Errorf("usage: %s <peer> [-since N]", name)
	}
	peer := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return "", 0, fmt.Errorf("%s: %w", name, err)
	}
	return peer, *since, nil
}

func cmdHistory(ctx context.Context, c *Client, args []string, out io.Writer) error {
	peer, since, err := peerAndSince("history", args)
	if err != nil {
		return err
	}
	msgs, err := c.History(ctx, peer, max(since, 0))
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Seq", "From", "Message"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, m := range msgs {
		table.Append([]string{
			strconv.FormatInt(m.Seq, 10),
			html.UnescapeString(m.Sender),
			html.UnescapeString(m.Body),
		})
	}
	table.Render()
	return nil
}

func cmdSend(ctx context.Context, c *Client, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: send <peer> <message...>")
	}
	resp, replayed, err := c.Send(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	switch resp.Status {
	case "sent":
		note := ""
		if replayed {
			note = " (after retry)"
		}
		color.New(color.FgGreen).Fprintf(out, "  ✓ Sent #%d%s\n", resp.Seq, note)
	default:
		color.New(color.FgYellow).Fprintln(out, "  Nothing sent: message was empty")
	}
	return nil
}

func cmdTail(ctx context.Context, c *Client, args []string, out io.Writer) error {
	peer, since, err := peerAndSince("tail", args)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	gray.Fprintf(out, "Following %s (Ctrl-C to stop)\n", peer)
	return c.Tail(ctx, peer, since, func(ev StreamEvent) error {
		if ev.Dropped > 0 {
			yellow.Fprintf(out, "  … %d message(s) skipped, run history to catch up\n", ev.Dropped)
			return nil
		}
		gray.Fprintf(out, "%4d ", ev.Seq)
		cyan.Fprintf(out, "%s: ", html.UnescapeString(ev.Sender))
		fmt.Fprintln(out, html.UnescapeString(ev.Body))
		return nil
	})
}
