package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentpipe/agentpipe/internal/lock"
	"github.com/agentpipe/agentpipe/internal/statestore"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Print a session's classification and resume hint",
	Long: `Print a session's current classification (none, active, failed, or
completed), its stage and iteration progress, and — for a failed session —
the resume command to run next.`,
	Example: `  # Check a session once
  agentpipe status my-session

  # Watch a session live
  agentpipe status my-session --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session := args[0]
		if err := validateSessionName(session); err != nil {
			return err
		}

		if statusWatch {
			p := tea.NewProgram(newStatusModel(session))
			_, err := p.Run()
			return err
		}

		return printStatusOnce(session)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Live-refresh the session's status")
}

func sessionClassification(session string) (statestore.SessionStatus, *statestore.State, error) {
	store := statestore.NewStore(filepath.Join(sessionsRoot(), session, "state.json"))
	locker := lock.NewManager(locksRoot())

	lockStatus, _, err := locker.Inspect(session)
	if err != nil {
		return "", nil, err
	}
	lockPresent := lockStatus != lock.StatusNone
	lockAlive := lockStatus == lock.StatusActive

	classification, err := store.GetSessionStatus(lockPresent, lockAlive)
	if err != nil {
		return "", nil, err
	}

	st, err := store.Load()
	if err != nil {
		if os.IsNotExist(err) {
			return classification, nil, nil
		}
		return "", nil, err
	}
	return classification, st, nil
}

func printStatusOnce(session string) error {
	classification, st, err := sessionClassification(session)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("Session:  ")
	fmt.Println(session)
	bold.Printf("Status:   ")
	statusColorFor(classification).Println(classification)

	if st == nil {
		return nil
	}

	bold.Printf("Stage:    ")
	fmt.Println(st.CurrentStage)
	bold.Printf("Iteration:")
	fmt.Printf(" %d", st.Iteration)
	if st.IterationCompleted > 0 {
		fmt.Printf(" (%d completed)", st.IterationCompleted)
	}
	fmt.Println()

	if st.Error != nil {
		bold.Printf("Error:    ")
		fmt.Printf("[%s] %s\n", st.Error.Type, st.Error.Message)
	}
	if st.ResumeFrom != nil {
		fmt.Println()
		fmt.Printf("Resume with:  agentpipe pipeline <file|name> %s --resume\n", session)
	}
	return nil
}

func statusColorFor(s statestore.SessionStatus) *color.Color {
	switch s {
	case statestore.SessionActive:
		return color.New(color.FgGreen)
	case statestore.SessionFailed:
		return color.New(color.FgRed)
	case statestore.SessionCompleted:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

// statusModel is the bubbletea model backing `agentpipe status --watch`: a
// single-session live view in the spirit of cmd/top.go's dashboard, scaled
// down from "every agent" to "this session."
type statusModel struct {
	session        string
	classification statestore.SessionStatus
	state          *statestore.State
	err            error
}

type statusTickMsg time.Time

func newStatusModel(session string) statusModel {
	return statusModel{session: session}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(refreshStatusCmd(m.session), statusTickCmd())
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}

type statusRefreshMsg struct {
	classification statestore.SessionStatus
	state          *statestore.State
	err            error
}

func refreshStatusCmd(session string) tea.Cmd {
	return func() tea.Msg {
		classification, st, err := sessionClassification(session)
		return statusRefreshMsg{classification: classification, state: st, err: err}
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusTickMsg:
		return m, tea.Batch(refreshStatusCmd(m.session), statusTickCmd())
	case statusRefreshMsg:
		m.classification = msg.classification
		m.state = msg.state
		m.err = msg.err
	}
	return m, nil
}

var watchHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
var watchDimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

func (m statusModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("error: %v\n\nPress q to quit.", m.err)
	}

	var b []string
	b = append(b, watchHeaderStyle.Render(fmt.Sprintf("agentpipe status: %s", m.session)))
	b = append(b, fmt.Sprintf("status:    %s", m.classification))

	if m.state != nil {
		b = append(b, fmt.Sprintf("stage:     %d", m.state.CurrentStage))
		b = append(b, fmt.Sprintf("iteration: %d (%d completed)", m.state.Iteration, m.state.IterationCompleted))
		if m.state.Error != nil {
			b = append(b, fmt.Sprintf("error:     [%s] %s", m.state.Error.Type, m.state.Error.Message))
		}
	}

	b = append(b, "", watchDimStyle.Render("Keys: [q] quit"))

	out := ""
	for i, line := range b {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}
