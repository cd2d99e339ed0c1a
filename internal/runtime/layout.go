package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StrategyFile is the strategy config file name inside conf/.
const StrategyFile = "strategy.yml"

// Dirs are the host directories mounted into one bot container.
type Dirs struct {
	Root string
	Conf string
	Data string
	Logs string
}

// Layout places per-run instance directories under Root, so a redeployed
// bot never sees the files of an earlier run:
//
//	<root>/<bot>/<run_id>/conf
//	<root>/<bot>/<run_id>/data
//	<root>/<bot>/<run_id>/logs
type Layout struct {
	Root string
}

func (l Layout) Dirs(bot, runID string) Dirs {
	root := filepath.Join(l.Root, bot, runID)
	return Dirs{
		Root: root,
		Conf: filepath.Join(root, "conf"),
		Data: filepath.Join(root, "data"),
		Logs: filepath.Join(root, "logs"),
	}
}

// Prepare creates the run's directories and writes the strategy config.
func (l Layout) Prepare(bot, runID string, strategy map[string]any) (Dirs, error) {
	if l.Root == "" {
		return Dirs{}, errors.New("instance root not configured")
	}
	if bot == "" || runID == "" {
		return Dirs{}, errors.New("bot name and run id are required")
	}
	d := l.Dirs(bot, runID)
	for _, p := range []string{d.Conf, d.Data, d.Logs} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("create %s: %w", p, err)
		}
	}
	if strategy == nil {
		strategy = map[string]any{}
	}
	b, err := yaml.Marshal(strategy)
	if err != nil {
		return Dirs{}, fmt.Errorf("encode strategy config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.Conf, StrategyFile), b, 0o644); err != nil {
		return Dirs{}, fmt.Errorf("write strategy config: %w", err)
	}
	return d, nil
}

// Remove deletes one run's directory, and the bot's directory once no run
// is left in it.
func (l Layout) Remove(bot, runID string) error {
	if l.Root == "" || bot == "" || runID == "" {
		return nil
	}
	if err := os.RemoveAll(l.Dirs(bot, runID).Root); err != nil {
		return err
	}
	// fails harmlessly while other runs remain
	_ = os.Remove(filepath.Join(l.Root, bot))
	return nil
}
