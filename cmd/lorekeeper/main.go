// Command lorekeeper is the operational CLI for the gateway core: health
// checks, authentication flows, model listings, and one-shot chats.
//
// Exit codes: 0 success, 2 configuration error, 3 authentication required,
// 4 budget exceeded, 5 provider unavailable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	lorekeeper "github.com/greyhelm/lorekeeper"
	"github.com/greyhelm/lorekeeper/config"
	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/oauth"
	"github.com/greyhelm/lorekeeper/types"
)

const (
	exitOK           = 0
	exitConfig       = 2
	exitAuthRequired = 3
	exitBudget       = 4
	exitUnavailable  = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("lorekeeper", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to gateway.yaml")
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}
	rest := flags.Args()
	if len(rest) == 0 {
		usage()
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	gw, err := lorekeeper.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	ctx := context.Background()
	switch rest[0] {
	case "health":
		return cmdHealth(ctx, gw)
	case "models":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: lorekeeper models <provider>")
			return exitConfig
		}
		return cmdModels(ctx, gw, rest[1])
	case "auth":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: lorekeeper auth <provider>")
			return exitConfig
		}
		return cmdAuth(ctx, gw, rest[1])
	case "logout":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: lorekeeper logout <provider>")
			return exitConfig
		}
		if err := gw.Logout(ctx, rest[1]); err != nil {
			fmt.Fprintf(os.Stderr, "logout failed: %v\n", err)
			return exitConfig
		}
		return exitOK
	case "chat":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: lorekeeper chat <prompt>")
			return exitConfig
		}
		return cmdChat(ctx, gw, rest[1])
	case "costs":
		return dumpJSON(gw.RouterCosts())
	case "stats":
		return dumpJSON(gw.RouterStats())
	default:
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: lorekeeper [-config path] <command>

commands:
  health             probe all configured providers
  models <provider>  list models with pricing
  auth <provider>    run the provider's oauth flow
  logout <provider>  clear stored credentials
  chat <prompt>      send a one-shot chat
  costs              show budget consumption
  stats              show router health counters`)
}

func exitFor(err error) int {
	switch {
	case types.RequiresReauth(err):
		return exitAuthRequired
	case types.GetErrorCode(err) == types.ErrBudgetExceeded:
		return exitBudget
	default:
		return exitUnavailable
	}
}

func cmdHealth(ctx context.Context, gw *lorekeeper.Gateway) int {
	statuses := gw.CheckHealth(ctx)
	if len(statuses) == 0 {
		fmt.Fprintln(os.Stderr, "no providers configured")
		return exitConfig
	}
	allDown := true
	for name, st := range statuses {
		fmt.Printf("%-10s %s", name, st.Kind)
		if !st.Until.IsZero() {
			fmt.Printf(" (until %s)", st.Until.Format(time.RFC3339))
		}
		if st.Reason != "" {
			fmt.Printf("  %s", st.Reason)
		}
		fmt.Println()
		if st.Kind != "unavailable" {
			allDown = false
		}
	}
	if allDown {
		return exitUnavailable
	}
	return exitOK
}

func cmdModels(ctx context.Context, gw *lorekeeper.Gateway, provider string) int {
	models, err := gw.ListModels(ctx, provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list models failed: %v\n", err)
		return exitFor(err)
	}
	for _, m := range models {
		fmt.Printf("%-40s", m.ID)
		if m.Pricing != nil {
			fmt.Printf(" $%.2f/$%.2f per Mtok", m.Pricing.InputPerMTok, m.Pricing.OutputPerMTok)
		}
		fmt.Println()
	}
	return exitOK
}

func cmdAuth(ctx context.Context, gw *lorekeeper.Gateway, provider string) int {
	start, err := gw.StartOAuth(ctx, provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth start failed: %v\n", err)
		return exitConfig
	}

	if start.URL != "" {
		fmt.Printf("Open this URL in your browser:\n\n  %s\n\n", start.URL)
		fmt.Print("Paste the authorization code: ")
		var code string
		if _, err := fmt.Scanln(&code); err != nil {
			fmt.Fprintln(os.Stderr, "no code entered")
			return exitAuthRequired
		}
		if err := gw.CompleteOAuth(ctx, provider, code, start.State); err != nil {
			fmt.Fprintf(os.Stderr, "authorization failed: %v\n", err)
			return exitAuthRequired
		}
		fmt.Println("authenticated")
		return exitOK
	}

	fmt.Printf("Visit %s and enter code %s\n", start.VerificationURI, start.UserCode)
	interval := start.Interval
	deadline := time.Now().Add(start.ExpiresIn)
	for time.Now().Before(deadline) {
		time.Sleep(interval)
		res, err := gw.PollOAuth(ctx, provider, start.DeviceCode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
			return exitAuthRequired
		}
		switch res.State {
		case oauth.PollPending:
		case oauth.PollSlowDown:
			interval = res.Interval
		case oauth.PollSuccess:
			fmt.Println("authenticated")
			return exitOK
		case oauth.PollDenied:
			fmt.Fprintln(os.Stderr, "authorization denied")
			return exitAuthRequired
		case oauth.PollExpired:
			fmt.Fprintln(os.Stderr, "device code expired")
			return exitAuthRequired
		}
	}
	fmt.Fprintln(os.Stderr, "authorization timed out")
	return exitAuthRequired
}

func cmdChat(ctx context.Context, gw *lorekeeper.Gateway, prompt string) int {
	resp, err := gw.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{types.NewUserMessage(prompt)},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat failed: %v\n", err)
		return exitFor(err)
	}
	fmt.Println(resp.Text())
	fmt.Fprintf(os.Stderr, "[%s/%s, %d tokens, %s]\n",
		resp.Provider, resp.Model, resp.Usage.TotalTokens, resp.Latency.Round(time.Millisecond))
	return exitOK
}

func dumpJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode failed: %v\n", err)
		return exitConfig
	}
	fmt.Println(string(data))
	return exitOK
}
