package git

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Inspector reports repository state for session working directories.
// It shells out to the git binary and never mutates the repository.
type Inspector struct {
	logger *slog.Logger
}

func NewInspector(logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{logger: logger}
}

type Status struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
	Clean     bool     `json:"clean"`
}

func (ins *Inspector) Status(dir string) (*Status, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}

	st := &Status{
		Staged:    []string{},
		Modified:  []string{},
		Untracked: []string{},
	}

	branch, err := ins.run(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	st.Branch = strings.TrimSpace(branch)

	// ahead/behind is best effort; there may be no upstream
	ab, _ := ins.run(dir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if ab != "" {
		parts := strings.Fields(strings.TrimSpace(ab))
		if len(parts) == 2 {
			st.Ahead, _ = strconv.Atoi(parts[0])
			st.Behind, _ = strconv.Atoi(parts[1])
		}
	}

	porcelain, err := ins.run(dir, "status", "--porcelain=v1")
	if err != nil {
		return nil, err
	}
	parsePorcelain(porcelain, st)
	return st, nil
}

// parsePorcelain files each status line into staged, modified or
// untracked. A line may land in both staged and modified.
func parsePorcelain(out string, st *Status) {
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x := line[0]
		y := line[1]
		file := strings.TrimSpace(line[3:])

		if x == '?' {
			st.Untracked = append(st.Untracked, file)
			continue
		}
		if x != ' ' {
			st.Staged = append(st.Staged, file)
		}
		if y != ' ' && y != '?' {
			st.Modified = append(st.Modified, file)
		}
	}
	st.Clean = len(st.Staged) == 0 && len(st.Modified) == 0 && len(st.Untracked) == 0
}

type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

func (ins *Inspector) Log(dir string, limit int) ([]Commit, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if limit <= 0 {
		limit = 20
	}

	out, err := ins.run(dir, "log",
		fmt.Sprintf("--max-count=%d", limit),
		"--format=%H%n%s%n%an%n%aI")
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

// parseLog reads commits formatted as four lines each: hash, subject,
// author, ISO date.
func parseLog(out string) []Commit {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	commits := []Commit{}
	for i := 0; i+3 < len(lines); i += 4 {
		hash := lines[i]
		if len(hash) > 7 {
			hash = hash[:7]
		}
		commits = append(commits, Commit{
			Hash:    hash,
			Message: lines[i+1],
			Author:  lines[i+2],
			Date:    lines[i+3],
		})
	}
	return commits
}

func (ins *Inspector) Diff(dir, ref string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}

	args := []string{"diff"}
	if ref != "" {
		if strings.HasPrefix(ref, "-") {
			return "", fmt.Errorf("invalid ref: %s", ref)
		}
		args = append(args, ref, "--")
	}
	return ins.run(dir, args...)
}

func (ins *Inspector) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
