// Package config resolves the environment-variable surface and the
// persisted-layout paths a Controller needs at startup: API credentials,
// the model name, the decision-engine bypass flag, and the per-project
// directory tree for session logs, the context snapshot, and the names
// file.
//
// Grounded on config.Manager (config/config.go: a home-directory-relative
// config path resolved once at startup) and on
// original_source/.../utils/paths.py's PathManager for the project-specific
// directory layout (home-relative base, project name derived from the
// cwd by replacing path separators with dashes, mirroring Claude's own
// convention) and the GEMINI_DEV_MODE project-local override.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nachoal/replcore/internal/toolspec"
)

const (
	envAPIKey             = "GEMINI_API_KEY"
	envModel              = "GEMINI_MODEL"
	envStructuredDispatch = "GEMINI_STRUCTURED_DISPATCH"
	envSystemPrompt       = "GEMINI_SYSTEM_PROMPT"
	envDevMode            = "GEMINI_DEV_MODE"
)

const defaultModel = "flash-lite"

const defaultSystemPrompt = `You are a helpful assistant with access to a small set of file tools
scoped to the current project: list_files, read_file, and write_file.
Use them when a request requires inspecting or changing the project's
files; otherwise answer directly.`

var dashRun = regexp.MustCompile(`-+`)

// Config is the resolved startup configuration.
type Config struct {
	APIKey             string
	Model              string
	StructuredDispatch bool
	SessionsDir        string // <base>/projects/<project>/sessions
	ContextPath        string // <base>/projects/<project>/context.json
	SandboxRoot        string // the project's working directory
	DevMode            bool
}

// Load resolves Config from the environment, creating the persisted-layout
// directories as needed. It fails with toolspec.KindFatalConfig if
// GEMINI_API_KEY is unset or the layout cannot be created — both are
// startup failures, not turn-time ones.
func Load() (*Config, error) {
	apiKey := os.Getenv(envAPIKey)
	if apiKey == "" {
		return nil, toolspec.NewError(toolspec.KindFatalConfig, "GEMINI_API_KEY is required")
	}

	model := os.Getenv(envModel)
	if model == "" {
		model = defaultModel
	}

	structuredDispatch := true
	if v := os.Getenv(envStructuredDispatch); v != "" {
		structuredDispatch = strings.EqualFold(v, "true")
	}

	devMode := strings.EqualFold(os.Getenv(envDevMode), "true")

	cwd, err := os.Getwd()
	if err != nil {
		return nil, toolspec.NewError(toolspec.KindFatalConfig, "cannot resolve working directory").WithDetail("error", err.Error())
	}

	base, err := baseDir(devMode)
	if err != nil {
		return nil, err
	}

	projectDir := filepath.Join(base, "projects", projectName(cwd))
	sessionsDir := filepath.Join(projectDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, toolspec.NewError(toolspec.KindFatalConfig, "cannot create sessions directory").WithDetail("error", err.Error())
	}

	return &Config{
		APIKey:             apiKey,
		Model:              model,
		StructuredDispatch: structuredDispatch,
		SessionsDir:        sessionsDir,
		ContextPath:        filepath.Join(projectDir, "context.json"),
		SandboxRoot:        cwd,
		DevMode:            devMode,
	}, nil
}

// baseDir returns the per-user base directory, or "./logs" in dev mode.
func baseDir(devMode bool) (string, error) {
	if devMode {
		return "logs", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", toolspec.NewError(toolspec.KindFatalConfig, "cannot resolve home directory").WithDetail("error", err.Error())
	}
	return filepath.Join(home, ".gemini"), nil
}

// projectName derives a directory-safe project name from an absolute
// working directory path by replacing path separators with dashes,
// mirroring PathManager._get_project_name.
func projectName(cwd string) string {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		abs = cwd
	}
	name := strings.TrimPrefix(filepath.ToSlash(abs), "/")
	name = strings.ReplaceAll(name, "\\", "-")
	name = strings.ReplaceAll(name, "/", "-")
	return dashRun.ReplaceAllString(name, "-")
}

// SystemPrompt resolves the system prompt by $GEMINI_SYSTEM_PROMPT path,
// then ./resources/system_prompt.txt, then the built-in default —
// whichever exists first.
func SystemPrompt() (string, error) {
	if path := os.Getenv(envSystemPrompt); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", toolspec.NewError(toolspec.KindFatalConfig, "cannot read system prompt override").WithDetail("error", err.Error())
		}
	}

	if data, err := os.ReadFile(filepath.Join("resources", "system_prompt.txt")); err == nil {
		return string(data), nil
	}

	return defaultSystemPrompt, nil
}
