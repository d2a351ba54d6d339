// Package policy implements the optional supplementary filter the mandatory
// action mask sits in front of: Sigma rules loaded from a directory, watched
// for changes, and evaluated against each event that already passed the
// mask. It is adapted from the teacher's sigma.Detector (sigma/sigma.go),
// with the sqlite-backed match persistence and the web query surface
// stripped — this package only ever answers allow/deny, it never stores a
// match.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"github.com/linuxdeepin/anything-logger/internal/fsevent"
	"go.uber.org/zap"
)

// ruleConfig exposes FileEvent's fields to rule selections under these
// names; rules that only ever reference the action mask need nothing from
// this package, since that gate has already run in the listener.
var ruleConfig = sigma.Config{
	Title: "anything-logger filesystem event filter",
	FieldMappings: map[string]sigma.FieldMapping{
		"EventPath":   {TargetNames: []string{"EventPath"}},
		"ProcessPath": {TargetNames: []string{"ProcessPath"}},
		"Action":      {TargetNames: []string{"Action"}},
		"User":        {TargetNames: []string{"Uid"}},
	},
}

// Engine evaluates events against a directory of Sigma rules. With no rules
// loaded, Allow always returns true: this stage is additive on top of the
// mandatory mask, never a replacement for it.
type Engine struct {
	rulesDir string
	log      *zap.Logger

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	watcher *fsnotify.Watcher
}

// New loads rules from rulesDir (created if absent) and starts watching it
// for changes. rulesDir may be empty, in which case the engine always
// allows and no watcher is started.
func New(rulesDir string, log *zap.Logger) (*Engine, error) {
	e := &Engine{
		rulesDir:   rulesDir,
		log:        log,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
	}
	if rulesDir == "" {
		return e, nil
	}

	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return nil, fmt.Errorf("policy: create rules directory %s: %w", rulesDir, err)
	}

	if err := e.reload(); err != nil {
		return nil, fmt.Errorf("policy: initial rule load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create file watcher: %w", err)
	}
	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", rulesDir, err)
	}
	e.watcher = watcher
	go e.watchLoop()

	return e, nil
}

// Close stops the rule-directory watcher, if any.
func (e *Engine) Close() error {
	if e.watcher == nil {
		return nil
	}
	return e.watcher.Close()
}

func (e *Engine) watchLoop() {
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yml") && !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := e.reload(); err != nil {
				e.log.Warn("policy: rule reload failed", zap.Error(err))
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("policy: file watcher error", zap.Error(err))
		}
	}
}

func (e *Engine) reload() error {
	entries, err := os.ReadDir(e.rulesDir)
	if err != nil {
		return err
	}

	loaded := make(map[string]*evaluator.RuleEvaluator)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(e.rulesDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			e.log.Warn("policy: failed to read rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		if sigma.InferFileType(content) != sigma.RuleFile {
			continue
		}
		rule, err := sigma.ParseRule(content)
		if err != nil {
			e.log.Warn("policy: failed to parse rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		loaded[rule.ID] = evaluator.ForRule(rule, evaluator.WithConfig(ruleConfig))
	}

	e.mu.Lock()
	e.evaluators = loaded
	e.mu.Unlock()

	e.log.Info("policy: loaded rules", zap.Int("count", len(loaded)), zap.String("dir", e.rulesDir))
	return nil
}

// Allow reports whether ev should continue to the CSV sink. With zero rules
// loaded it always returns true. A rule match denies the event: rules in
// this directory name what the operator wants excluded beyond the mask.
func (e *Engine) Allow(ev fsevent.FileEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.evaluators) == 0 {
		return true
	}

	fields := map[string]interface{}{
		"EventPath":   ev.EventPath,
		"ProcessPath": ev.ProcessPath,
		"Action":      ev.Action.Name(),
		"Uid":         ev.UID,
	}

	ctx := context.Background()
	for id, ruleEvaluator := range e.evaluators {
		result, err := ruleEvaluator.Matches(ctx, fields)
		if err != nil {
			e.log.Debug("policy: rule evaluation error", zap.String("rule", id), zap.Error(err))
			continue
		}
		if result.Match {
			return false
		}
	}
	return true
}
