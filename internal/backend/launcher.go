package backend

// Launcher abstracts how each supported model CLI is invoked.
type Launcher interface {
	Name() string
	Command() string
	UseStdin() bool
	BuildArgs(prompt, model string) []string
}

// NewLauncher returns the launcher for the given name, defaulting to qwen.
func NewLauncher(name string) Launcher {
	switch name {
	case "claude":
		return claudeLauncher{}
	case "codex":
		return codexLauncher{}
	case "gemini":
		return geminiLauncher{}
	default:
		return qwenLauncher{}
	}
}

// SupportedLaunchers lists every launcher the detection probe checks.
func SupportedLaunchers() []Launcher {
	return []Launcher{qwenLauncher{}, claudeLauncher{}, codexLauncher{}, geminiLauncher{}}
}

type qwenLauncher struct{}

func (qwenLauncher) Name() string    { return "Qwen" }
func (qwenLauncher) Command() string { return "qwen" }
func (qwenLauncher) UseStdin() bool  { return false }
func (qwenLauncher) BuildArgs(prompt, model string) []string {
	args := []string{"--prompt", prompt, "--yolo"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

type claudeLauncher struct{}

func (claudeLauncher) Name() string    { return "Claude" }
func (claudeLauncher) Command() string { return "claude" }
func (claudeLauncher) UseStdin() bool  { return true }
func (claudeLauncher) BuildArgs(prompt, model string) []string {
	// Prompt arrives on stdin.
	args := []string{"-p", "--dangerously-skip-permissions", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

type codexLauncher struct{}

func (codexLauncher) Name() string    { return "Codex" }
func (codexLauncher) Command() string { return "codex" }
func (codexLauncher) UseStdin() bool  { return false }
func (codexLauncher) BuildArgs(prompt, model string) []string {
	args := []string{"exec", prompt, "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

type geminiLauncher struct{}

func (geminiLauncher) Name() string    { return "Gemini" }
func (geminiLauncher) Command() string { return "gemini" }
func (geminiLauncher) UseStdin() bool  { return false }
func (geminiLauncher) BuildArgs(prompt, model string) []string {
	args := []string{prompt, "--yolo", "--output-format", "stream-json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}
