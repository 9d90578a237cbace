package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"chat-protocol-gateway/internal/logger"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Render

	detailStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(lipgloss.Color("#A0A0A0")).
			Render

	itemStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Render

	selectedItemStyle = lipgloss.NewStyle().
				PaddingLeft(1).
				Foreground(lipgloss.Color("#FF6B6B")).
				Background(lipgloss.Color("#3C3C3C")).
				Bold(true).
				Render

	helpStyle = lipgloss.NewStyle().
			Faint(true).
			Italic(true).
			MarginTop(1).
			Render
)

// TerminalAvailable 判断标准输入是否为交互终端
func TerminalAvailable() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ConfirmFunc 询问操作员是否放行请求
type ConfirmFunc func(ctx context.Context, p Pending) (bool, error)

// Prompter 在终端中逐个询问挂起的请求
type Prompter struct {
	gate    *Gate
	confirm ConfirmFunc
	logger  *logger.Logger
}

// NewPrompter 创建终端审批提示；confirm 为 nil 时使用 bubbletea 对话框
func NewPrompter(gate *Gate, confirm ConfirmFunc, log *logger.Logger) *Prompter {
	if confirm == nil {
		confirm = func(ctx context.Context, p Pending) (bool, error) {
			return Confirm(ctx, p, os.Stdin, os.Stdout)
		}
	}
	return &Prompter{gate: gate, confirm: confirm, logger: log}
}

// Run 消费挂起请求直到 ctx 结束
func (p *Prompter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pending := <-p.gate.Requests():
			// 请求可能已通过管理接口处理或被客户端取消
			if _, ok := p.gate.Get(pending.ID); !ok {
				continue
			}
			approved, err := p.confirm(ctx, pending)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("Terminal approval prompt failed", err)
				continue
			}
			if err := p.gate.Resolve(pending.ID, approved); err != nil && !errors.Is(err, ErrNotFound) {
				p.logger.Error("Failed to resolve approval", err)
			}
		}
	}
}

// Confirm 显示一个批准/拒绝对话框
func Confirm(ctx context.Context, p Pending, in io.Reader, out io.Writer) (bool, error) {
	m := &confirmModel{
		title:   fmt.Sprintf("Approve %s request for %s?", p.Surface, p.Model),
		details: describe(p),
		options: []string{"Approve", "Reject"},
	}
	prog := tea.NewProgram(m, tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	result, err := prog.Run()
	if err != nil {
		return false, err
	}
	final := result.(*confirmModel)
	if final.canceled {
		return false, nil
	}
	return final.choice == "Approve", nil
}

func describe(p Pending) []string {
	lines := []string{
		"id: " + p.ID,
		fmt.Sprintf("messages: %d", p.Messages),
		fmt.Sprintf("stream: %t", p.Stream),
	}
	if p.RequestID != "" {
		lines = append(lines, "request: "+p.RequestID)
	}
	return lines
}

type confirmModel struct {
	title    string
	details  []string
	options  []string
	cursor   int
	choice   string
	canceled bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.canceled = true
			return m, tea.Quit
		case "left", "h", "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "right", "l", "down", "j":
			if m.cursor < len(m.options)-1 {
				m.cursor++
			}
		case "y":
			m.choice = "Approve"
			return m, tea.Quit
		case "n":
			m.choice = "Reject"
			return m, tea.Quit
		case "enter":
			m.choice = m.options[m.cursor]
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle(m.title) + "\n")
	for _, d := range m.details {
		b.WriteString(detailStyle(d) + "\n")
	}
	b.WriteString("\n")
	for i, o := range m.options {
		if i == m.cursor {
			b.WriteString(selectedItemStyle("→ "+o) + "\n")
		} else {
			b.WriteString(itemStyle("  "+o) + "\n")
		}
	}
	b.WriteString(helpStyle("←/→ move • Enter confirm • y/n • esc reject"))
	return b.String()
}
