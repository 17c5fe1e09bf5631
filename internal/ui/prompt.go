package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
)

// ErrAborted is returned when the user quits a prompt without answering.
var ErrAborted = errors.New("prompt aborted")

// --- Selector ---

type selectorModel struct {
	question string
	cursor   int
	choices  []string
	choice   string
}

func (m selectorModel) Init() tea.Cmd {
	return nil
}

func (m selectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit

		case "enter":
			m.choice = m.choices[m.cursor]
			return m, tea.Quit

		case "down", "j":
			m.cursor = (m.cursor + 1) % len(m.choices)

		case "up", "k":
			m.cursor--
			if m.cursor < 0 {
				m.cursor = len(m.choices) - 1
			}
		}
	}
	return m, nil
}

func (m selectorModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.question + "\n\n")
	for i, choice := range m.choices {
		cursor := "  "
		if m.cursor == i {
			cursor = color.CyanString("> ")
		}
		sb.WriteString(cursor + choice + "\n")
	}
	sb.WriteString("\n(Use arrow keys to navigate, enter to select, q to quit)\n")
	return sb.String()
}

// --- Text input ---

type textInputModel struct {
	question  string
	textInput textinput.Model
	submitted bool
}

func newTextInput(question, placeholder, defaultValue string) textInputModel {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.SetValue(defaultValue)
	ti.Focus()
	ti.CharLimit = 120
	ti.Width = 50
	return textInputModel{question: question, textInput: ti}
}

func (m textInputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m textInputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyEnter:
			m.submitted = true
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m textInputModel) View() string {
	return fmt.Sprintf("%s\n\n%s\n\n(enter to accept, esc to quit)", m.question, m.textInput.View())
}

// --- Confirm ---

type confirmModel struct {
	question string
	yes      bool
	answered bool
}

func (m confirmModel) Init() tea.Cmd {
	return nil
}

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "y", "Y":
			m.yes, m.answered = true, true
			return m, tea.Quit
		case "n", "N", "ctrl+c", "esc", "q":
			m.yes, m.answered = false, true
			return m, tea.Quit
		case "enter":
			m.answered = true
			return m, tea.Quit
		case "left", "right", "tab", "h", "l":
			m.yes = !m.yes
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	yes, no := "yes", "no"
	if m.yes {
		yes = color.CyanString("[yes]")
	} else {
		no = color.CyanString("[no]")
	}
	return fmt.Sprintf("%s  %s / %s\n", m.question, yes, no)
}

// AskSelect presents a list of choices and returns the selected one.
func AskSelect(question string, choices []string) (string, error) {
	if len(choices) == 0 {
		return "", fmt.Errorf("no choices to select from")
	}
	m, err := tea.NewProgram(selectorModel{question: question, choices: choices}).Run()
	if err != nil {
		return "", err
	}
	result := m.(selectorModel).choice
	if result == "" {
		return "", ErrAborted
	}
	return result, nil
}

// AskInput reads one line of text. An empty answer returns defaultValue.
func AskInput(question, placeholder, defaultValue string) (string, error) {
	m, err := tea.NewProgram(newTextInput(question, placeholder, defaultValue)).Run()
	if err != nil {
		return "", err
	}
	res := m.(textInputModel)
	if !res.submitted {
		return "", ErrAborted
	}
	if v := strings.TrimSpace(res.textInput.Value()); v != "" {
		return v, nil
	}
	return defaultValue, nil
}

// AskConfirm asks a yes/no question. defaultYes is selected initially.
func AskConfirm(question string, defaultYes bool) (bool, error) {
	m, err := tea.NewProgram(confirmModel{question: question, yes: defaultYes}).Run()
	if err != nil {
		return false, err
	}
	return m.(confirmModel).yes, nil
}
