package clog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// newHandler 构造 slog.Handler，级别由 levelVar 控制以支持 SetLevel。
func newHandler(config *Config, opts *options, levelVar *slog.LevelVar) (slog.Handler, error) {
	w, err := resolveWriter(config, opts)
	if err != nil {
		return nil, err
	}

	level, _ := ParseLevel(config.Level)
	levelVar.Set(level.slog())

	hopts := &slog.HandlerOptions{
		AddSource:   config.AddSource,
		Level:       levelVar,
		ReplaceAttr: replaceAttr(config.SourceRoot),
	}
	if strings.ToLower(config.Format) == "json" {
		return slog.NewJSONHandler(w, hopts), nil
	}
	return slog.NewTextHandler(w, hopts), nil
}

func resolveWriter(config *Config, opts *options) (io.Writer, error) {
	if opts.writer != nil {
		return opts.writer, nil
	}
	switch strings.ToLower(config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if dir := filepath.Dir(config.Output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}

// replaceAttr 统一级别名称、时间格式，并把 source 折叠为 caller=file:line。
func replaceAttr(sourceRoot string) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(levelName(lvl))
			}
		case slog.TimeKey:
			if a.Value.Kind() == slog.KindTime {
				a.Value = slog.StringValue(a.Value.Time().Format(timeFormat))
			}
		case slog.SourceKey:
			if src, ok := a.Value.Any().(*slog.Source); ok {
				return slog.String("caller", fmt.Sprintf("%s:%d", trimSourcePath(src.File, sourceRoot), src.Line))
			}
		}
		return a
	}
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l <= slog.LevelInfo:
		return "INFO"
	case l <= slog.LevelWarn:
		return "WARN"
	case l <= slog.LevelError:
		return "ERROR"
	default:
		return "FATAL"
	}
}

func trimSourcePath(file, root string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	if idx := strings.Index(file, "meshcall"); idx != -1 {
		return file[idx:]
	}
	return file
}
