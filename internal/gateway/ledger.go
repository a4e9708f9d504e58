package gateway

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ledger persists one order map (pending or filled) as an append-only JSONL
// log plus a full snapshot file. Writes are best-effort: a persistence error
// must never interrupt trading, so failures are logged at debug level only.
type ledger struct {
	path   string
	logger *logrus.Logger
}

func newLedger(path, fallback string, logger *logrus.Logger) *ledger {
	if path == "" {
		path = fallback
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithError(err).Debug("could not create ledger directory")
		}
	}
	return &ledger{path: path, logger: logger}
}

func (l *ledger) snapshotPath() string {
	return l.path + ".snapshot.json"
}

// append writes one {key: record} line to the log.
func (l *ledger) append(key string, rec Record) {
	line, err := json.Marshal(map[string]Record{key: rec})
	if err != nil {
		l.logger.WithError(err).Debug("could not marshal ledger record")
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.WithError(err).Debug("could not open ledger log")
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.WithError(err).Debug("could not append ledger record")
	}
}

// writeSnapshot rewrites the full-state snapshot via tmp+rename so a crash
// mid-write never leaves a truncated snapshot behind.
func (l *ledger) writeSnapshot(all map[string]Record) {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		l.logger.WithError(err).Debug("could not marshal ledger snapshot")
		return
	}
	tmp := l.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.WithError(err).Debug("could not write ledger snapshot")
		return
	}
	if err := os.Rename(tmp, l.snapshotPath()); err != nil {
		l.logger.WithError(err).Debug("could not publish ledger snapshot")
	}
}

// load restores the ledger at startup, preferring the snapshot over
// replaying the log when both exist. Malformed log lines are skipped.
func (l *ledger) load() map[string]Record {
	out := make(map[string]Record)

	if data, err := os.ReadFile(l.snapshotPath()); err == nil {
		if err := json.Unmarshal(data, &out); err == nil {
			return out
		}
		l.logger.Debug("ledger snapshot unreadable, falling back to log replay")
	}

	f, err := os.Open(l.path)
	if err != nil {
		return out
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		for k, v := range rec {
			out[k] = v
		}
	}
	return out
}
