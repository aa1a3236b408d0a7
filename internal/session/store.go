package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SessionInfo is summary metadata for a past session, derived from its
// JSONL log.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	Orchestrator bool      `json:"orchestrator,omitempty"`
}

// MessagePreview is a single message in a session preview.
type MessagePreview struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Store reads the sessions directory to list and preview past sessions.
// Logs are written by their owning sessions; the store only ever reads —
// except Delete, which is the explicit admin cleanup path (the pool never
// deletes logs).
type Store struct {
	dir        string
	titlesPath string

	// OnDelete, when set, runs after a successful Delete (best-effort
	// index cleanup).
	OnDelete func(sessionID string)

	mu sync.Mutex // guards titles file writes
}

func NewStore(dir, titlesPath string) *Store {
	return &Store{dir: dir, titlesPath: titlesPath}
}

func (s *Store) Dir() string { return s.dir }

// LogPath returns the JSONL path for a session id.
func (s *Store) LogPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// List returns all sessions sorted by most recent activity. Unparseable
// logs are skipped but never deleted — they may be in-progress.
func (s *Store) List() []SessionInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	titles := s.loadTitles()

	var sessions []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		info := s.parseInfo(id)
		if info == nil {
			continue
		}
		if custom, ok := titles[id]; ok && custom != "" {
			info.Title = custom
		}
		sessions = append(sessions, *info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions
}

// Info returns summary metadata for one session, or nil.
func (s *Store) Info(sessionID string) *SessionInfo {
	info := s.parseInfo(sessionID)
	if info == nil {
		return nil
	}
	if custom, ok := s.loadTitles()[sessionID]; ok && custom != "" {
		info.Title = custom
	}
	return info
}

// Preview returns the last max messages of a session as flat previews.
func (s *Store) Preview(sessionID string, max int) []MessagePreview {
	if max <= 0 {
		max = 20
	}
	records := s.readRecords(sessionID)
	var previews []MessagePreview
	for _, rec := range records {
		p, ok := previewRecord(rec)
		if ok {
			previews = append(previews, p)
		}
	}
	if len(previews) > max {
		previews = previews[len(previews)-max:]
	}
	return previews
}

// SetTitle stores a custom title in the sidecar titles file.
func (s *Store) SetTitle(sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	titles := s.loadTitles()
	if title == "" {
		delete(titles, sessionID)
	} else {
		titles[sessionID] = title
	}
	data, err := json.MarshalIndent(titles, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.titlesPath, data, 0o644)
}

// Delete removes a session log and its custom title. This is the explicit
// admin operation — nothing in the pool's close path calls it.
func (s *Store) Delete(sessionID string) error {
	if err := os.Remove(s.LogPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if err := s.SetTitle(sessionID, ""); err != nil {
		slog.Warn("store: drop title failed", "session", sessionID, "error", err)
	}
	if s.OnDelete != nil {
		s.OnDelete(sessionID)
	}
	return nil
}

func (s *Store) parseInfo(sessionID string) *SessionInfo {
	records := s.readRecords(sessionID)
	if len(records) == 0 {
		return nil
	}

	info := &SessionInfo{SessionID: sessionID}
	for _, rec := range records {
		if rec.Type == RecordOrchestratorMeta {
			info.Orchestrator = true
		}
		if ts := parseTimestamp(rec.Timestamp); !ts.IsZero() {
			if info.StartedAt.IsZero() || ts.Before(info.StartedAt) {
				info.StartedAt = ts
			}
			if ts.After(info.LastActivity) {
				info.LastActivity = ts
			}
		}
		if _, ok := previewRecord(rec); ok {
			info.MessageCount++
		}
		if info.Title == "" && rec.Type == RecordUser && rec.Message != nil {
			if text, _ := rec.Message.Content.(string); text != "" {
				info.Title = truncate(strings.TrimSpace(text), 80)
			}
		}
	}
	if info.LastActivity.IsZero() {
		return nil
	}
	if info.Title == "" {
		info.Title = "(untitled)"
	}
	return info
}

func (s *Store) readRecords(sessionID string) []LogRecord {
	f, err := os.Open(s.LogPath(sessionID))
	if err != nil {
		return nil
	}
	defer f.Close()

	var records []LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (s *Store) loadTitles() map[string]string {
	titles := make(map[string]string)
	data, err := os.ReadFile(s.titlesPath)
	if err != nil {
		return titles
	}
	if err := json.Unmarshal(data, &titles); err != nil {
		slog.Warn("store: invalid titles file", "path", s.titlesPath, "error", err)
	}
	return titles
}

func previewRecord(rec LogRecord) (MessagePreview, bool) {
	switch rec.Type {
	case RecordUser, RecordAssistant:
		if rec.Message == nil {
			return MessagePreview{}, false
		}
		text := extractText(rec.Message.Content)
		if text == "" {
			return MessagePreview{}, false
		}
		return MessagePreview{
			Role:      rec.Message.Role,
			Text:      text,
			Timestamp: parseTimestamp(rec.Timestamp),
		}, true
	case RecordToolUse:
		return MessagePreview{
			Role:      "assistant",
			Text:      "[tool: " + rec.ToolName + "]",
			Timestamp: parseTimestamp(rec.Timestamp),
		}, true
	}
	return MessagePreview{}, false
}

// extractText flattens string or block-list content to plain text.
func extractText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if t, _ := m["text"].(string); t != "" {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
