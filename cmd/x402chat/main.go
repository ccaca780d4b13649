// Command x402chat is an interactive terminal chat that lets the model call
// paid x402 endpoints with the locally configured wallet. Every paid call is
// shown with its estimated cost and runs only after confirmation.
//
// Interactive commands:
//
//	/endpoints   list the paid endpoints
//	/wallet      show the wallet address, balance and budget
//	/payments    show recent settlements
//	/quit        exit
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"X402-Agent/internal/app"
	"X402-Agent/internal/config"
	"X402-Agent/internal/conversation"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/x402"
	"X402-Agent/pkg/logger"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/peterh/liner"
)

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	paymentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("x402chat 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	// 终端会话的日志写文件，避免打断交互输出。
	logCfg := app.LoggerConfig(cfg.Logging)
	logCfg.OutputPaths = []string{filepath.Join(cfg.Runtime.DataDir, "x402chat.log")}
	logCfg.Service = "x402chat"
	if err := logger.Init(logCfg); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	historyFile := filepath.Join(cfg.Runtime.DataDir, "chat_history")
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
		line.Close()
	}()

	s := &session{
		app:      a,
		line:     line,
		conv:     a.Orchestrator.Start("cli"),
		executor: a.NewExecutor(),
	}
	if s.executor == nil {
		fmt.Println(warningStyle.Render("No wallet key configured (" + cfg.Web3.WalletKeyEnv + "); paid calls will fail."))
	}
	s.flush()
	return s.loop(ctx)
}

type session struct {
	app      *app.App
	line     *liner.State
	conv     *conversation.Conversation
	executor conversation.Executor
	printed  int
}

func (s *session) loop(ctx context.Context) error {
	for {
		input, err := s.line.Prompt("you> ")
		if err != nil {
			// Ctrl+C (liner.ErrPromptAborted) or Ctrl+D.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if !s.command(ctx, input) {
				return nil
			}
			continue
		}
		s.turn(ctx, input)
	}
}

func (s *session) turn(ctx context.Context, text string) {
	outcome, err := s.app.Orchestrator.Step(ctx, s.conv, text)
	s.flush()
	if err != nil {
		fmt.Println(errorStyle.Render("[Error] ") + err.Error())
		return
	}
	proposed, ok := outcome.(*conversation.ActionProposed)
	if !ok {
		return
	}
	answer, err := s.line.Prompt(fmt.Sprintf("Pay %s to call %s? [y/N] ", proposed.Endpoint.EstimatedCost, proposed.Endpoint.Name))
	if err != nil || !strings.EqualFold(strings.TrimSpace(answer), "y") {
		_ = s.app.Orchestrator.Decline(s.conv, proposed.Action.ID)
		s.flush()
		return
	}

	// Ctrl+C 在执行期间只取消当前调用。
	callCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()
	fmt.Println(infoStyle.Render("Calling " + proposed.Endpoint.Name + "..."))
	if err := s.app.Orchestrator.Execute(callCtx, s.conv, s.executor, proposed.Action.ID); err != nil && x402.FundsAtRisk(err) {
		fmt.Println(errorStyle.Render("Payment outcome unknown. Check the ledger before retrying."))
	}
	s.flush()
}

// flush prints messages appended since the last call.
func (s *session) flush() {
	msgs := s.conv.Messages()
	for _, m := range msgs[s.printed:] {
		if m.Role == llm.RoleUser {
			continue
		}
		switch m.Kind {
		case conversation.KindPayment:
			line := m.Content
			if m.Metadata != nil && m.Metadata.ExplorerURL != "" {
				line += "  " + m.Metadata.ExplorerURL
			}
			fmt.Println(paymentStyle.Render(line))
		case conversation.KindImage:
			caption := ""
			if m.Metadata != nil {
				caption = m.Metadata.Caption
			}
			fmt.Println(infoStyle.Render(fmt.Sprintf("[image] %s %s", caption, truncate(m.Content, 96))))
		case conversation.KindToolResult:
			fmt.Println(infoStyle.Render(truncate(m.Content, 600)))
		default:
			style := assistantStyle
			if m.Metadata != nil && m.Metadata.ErrorCode != "" {
				style = errorStyle
			}
			fmt.Println(style.Render(m.Content))
		}
	}
	s.printed = len(msgs)
}

func (s *session) command(ctx context.Context, input string) bool {
	switch strings.Fields(input)[0] {
	case "/quit", "/q", "/exit":
		return false
	case "/endpoints":
		for _, ep := range s.app.Catalog.Endpoints() {
			fmt.Printf("%s  %s  %s\n", promptStyle.Render(ep.ID), ep.Name, infoStyle.Render(ep.EstimatedCost))
		}
	case "/wallet":
		s.wallet(ctx)
	case "/payments":
		records, err := s.app.Ledger.Recent(ctx, 10)
		if err != nil {
			fmt.Println(errorStyle.Render("[Error] ") + err.Error())
			break
		}
		if len(records) == 0 {
			fmt.Println(infoStyle.Render("No payments yet."))
		}
		for _, r := range records {
			fmt.Printf("%s %s %s %s %s\n", r.Status, r.Amount, r.Currency, r.EndpointID, infoStyle.Render(r.TxHash))
		}
	default:
		fmt.Println(infoStyle.Render("Commands: /endpoints /wallet /payments /quit"))
	}
	return true
}

func (s *session) wallet(ctx context.Context) {
	address := s.app.WalletAddress()
	if address == "" {
		fmt.Println(warningStyle.Render("No wallet configured."))
		return
	}
	fmt.Println("Address: " + address)
	network := s.app.Config.Web3.DefaultNetwork
	balance, def, err := s.app.Chains.AssetBalance(ctx, network, address)
	if err != nil {
		fmt.Println(warningStyle.Render("Balance unavailable: " + err.Error()))
	} else {
		decimals := def.AssetDecimals
		if decimals <= 0 {
			decimals = s.app.Config.Payment.Decimals
		}
		fmt.Printf("Balance: %s %s on %s\n", x402.FormatAmount(balance, decimals), def.AssetName, network)
	}
	if s.app.Budget != nil {
		snap, err := s.app.Budget.Snapshot(ctx)
		if err == nil {
			d := s.app.Config.Payment.Decimals
			fmt.Printf("Budget: %s of %s spent\n", x402.FormatAmount(snap.Spent, d), x402.FormatAmount(snap.Limit, d))
		}
	}
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
