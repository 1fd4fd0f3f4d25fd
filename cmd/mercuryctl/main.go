package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/matheus3301/mercury/internal/session"
	"github.com/matheus3301/mercury/internal/tui/client"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	accountFlag := flag.String("account", "", "account ID (default: the only account)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch args[0] {
	case "accounts":
		cmdAccounts(ctx, c, *jsonFlag)
	case "status":
		cmdStatus(ctx, c, *accountFlag, *jsonFlag)
	case "login":
		cmdLogin(ctx, c, *accountFlag)
	case "logout":
		cmdLogout(ctx, c, *accountFlag)
	case "conversations":
		cmdConversations(ctx, c, *accountFlag, *jsonFlag)
	case "sync":
		cmdSync(ctx, c, *accountFlag, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mercuryctl [--session <name>] [--account <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  accounts         List accounts and their login state")
	fmt.Fprintln(os.Stderr, "  status           Show account status")
	fmt.Fprintln(os.Stderr, "  login            Authenticate an account")
	fmt.Fprintln(os.Stderr, "  logout           Invalidate an account's session")
	fmt.Fprintln(os.Stderr, "  conversations    Sync and list conversations")
	fmt.Fprintln(os.Stderr, "  sync             Sync conversations and print a summary")
}

func fail(err error) {
	if client.IsLoginRequired(err) {
		fmt.Fprintln(os.Stderr, "error: login required (run: mercuryctl login)")
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

// resolveAccount picks the account to operate on: the --account flag if
// given, otherwise the daemon's only account.
func resolveAccount(ctx context.Context, c *client.Client, flagAID string) string {
	if flagAID != "" {
		return flagAID
	}
	accounts, err := c.Accounts(ctx)
	if err != nil {
		fail(err)
	}
	if len(accounts) != 1 {
		fmt.Fprintln(os.Stderr, "error: pick an account with --account")
		os.Exit(1)
	}
	for aid := range accounts {
		return aid
	}
	return ""
}

func cmdAccounts(ctx context.Context, c *client.Client, jsonOut bool) {
	accounts, err := c.Accounts(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(accounts)
		return
	}

	aids := make([]string, 0, len(accounts))
	for aid := range accounts {
		aids = append(aids, aid)
	}
	sort.Strings(aids)
	for _, aid := range aids {
		a := accounts[aid]
		state := "logged in"
		if a.LoginRequired {
			state = "login required"
		}
		fmt.Printf("%-16s %-16s %s\n", aid, a.Name, state)
	}
}

func cmdStatus(ctx context.Context, c *client.Client, flagAID string, jsonOut bool) {
	aid := resolveAccount(ctx, c, flagAID)
	st, err := c.Status(ctx, aid)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Account:       %s\n", aid)
	fmt.Printf("Status:        %s\n", st.Status)
	fmt.Printf("Logged in:     %v\n", st.LoggedIn)
	fmt.Printf("Conversations: %d\n", st.Conversations)
	fmt.Printf("Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
}

func cmdLogin(ctx context.Context, c *client.Client, flagAID string) {
	aid := resolveAccount(ctx, c, flagAID)
	accounts, err := c.Accounts(ctx)
	if err != nil {
		fail(err)
	}
	a, ok := accounts[aid]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: no account with ID: %s\n", aid)
		os.Exit(1)
	}

	fields, err := promptFields(a.LoginFields)
	if err != nil {
		fail(err)
	}
	if err := c.Login(ctx, aid, fields); err != nil {
		fail(err)
	}
	fmt.Println("Logged in.")
}

// promptFields asks for each credential on the terminal; secret fields are
// read without echo.
func promptFields(fields []client.LoginField) (map[string]string, error) {
	values := make(map[string]string, len(fields))
	reader := bufio.NewReader(os.Stdin)
	for _, f := range fields {
		fmt.Printf("%s: ", f.Label)
		if f.Secret {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return nil, err
			}
			values[f.Field] = string(b)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil {
				return nil, err
			}
			values[f.Field] = strings.TrimSpace(line)
		}
	}
	return values, nil
}

func cmdLogout(ctx context.Context, c *client.Client, flagAID string) {
	aid := resolveAccount(ctx, c, flagAID)
	if err := c.Logout(ctx, aid); err != nil {
		fail(err)
	}
	fmt.Println("Logged out.")
}

func cmdConversations(ctx context.Context, c *client.Client, flagAID string, jsonOut bool) {
	aid := resolveAccount(ctx, c, flagAID)
	convs, err := c.Conversations(ctx, aid)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range convs {
		names := make([]string, 0, len(conv.Participants))
		for _, p := range conv.Participants {
			if p.You {
				names = append(names, "you")
				continue
			}
			names = append(names, p.Name)
		}
		when := time.Unix(conv.Timestamp, 0).Format("2006-01-02 15:04")
		fmt.Printf("%-20s %-30s %s  [%s]\n", conv.ID, conv.Name, when, strings.Join(names, ", "))
	}
}

func cmdSync(ctx context.Context, c *client.Client, flagAID string, jsonOut bool) {
	aid := resolveAccount(ctx, c, flagAID)
	convs, err := c.Conversations(ctx, aid)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(map[string]int{"conversations": len(convs)})
		return
	}
	fmt.Printf("Synced %d conversations.\n", len(convs))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
