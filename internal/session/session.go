// Package session persists conversation turns as an append-only JSONL log
// per session, threaded by parent UUID so the full turn history can be
// reconstructed by walking the chain backwards. Sessions are addressable
// either by UUID or by a short name resolved through an append-only names
// file kept alongside the session logs.
//
// Grounded on utils/session.py's SessionManager (log_entry's UUID-per-entry
// and parentUuid threading, find_session_by_name_or_id, list_sessions) and
// utils/jsonl_logger.py's append-only write pattern, reshaped from the
// teacher's history/manager.go (which persists one JSON snapshot per
// session rather than an append-only log). Name resolution follows the
// names-file mapping described in the external-interfaces contract rather
// than the original's deterministic uuid5-over-a-namespace scheme, since
// the two disagree and the contract governs.
package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nachoal/replcore/internal/toolspec"
)

// namesFile is the append-only name→UUID mapping file kept in the store
// directory alongside the per-session *.jsonl logs.
const namesFile = "names"

// nameBinding is one line of the names file.
type nameBinding struct {
	Name string    `json:"name"`
	UUID uuid.UUID `json:"uuid"`
}

// EntryType classifies a logged turn.
type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntryTool      EntryType = "tool_use"
	EntrySystem    EntryType = "system"
	EntryError     EntryType = "error"
)

// EntryMessage carries the role/content pair for user, assistant, and tool
// entries. System entries may omit it.
type EntryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EntryMetadata carries entry-type-specific detail: the model used for an
// assistant entry, or the tool invoked for a tool entry.
type EntryMetadata struct {
	Model    string `json:"model,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	ToolArgs string `json:"toolArgs,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
}

// Entry is one line of a session's JSONL log.
type Entry struct {
	SessionID  string        `json:"sessionId"`
	UUID       string        `json:"uuid"`
	ParentUUID string        `json:"parentUuid,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Type       EntryType     `json:"type"`
	Message    *EntryMessage `json:"message,omitempty"`
	Metadata   EntryMetadata `json:"metadata,omitempty"`
}

// Info summarizes a session file for listing, without loading every entry.
type Info struct {
	ID         uuid.UUID
	Created    time.Time
	Updated    time.Time
	EntryCount int
}

// Store manages session JSONL files under a directory, one file per
// session named by its UUID.
type Store struct {
	mu       sync.Mutex
	dir      string
	lastUUID map[uuid.UUID]uuid.UUID
}

// Open returns a Store rooted at dir, creating dir if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, toolspec.NewError(toolspec.KindFatalConfig, "cannot create session directory").WithDetail("error", err.Error())
	}
	return &Store{dir: dir, lastUUID: make(map[uuid.UUID]uuid.UUID)}, nil
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".jsonl")
}

// ResolveName looks up name in the names file and returns the UUID it is
// bound to, or a NotFound error if no binding exists.
func (s *Store) ResolveName(name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveNameLocked(name)
}

func (s *Store) resolveNameLocked(name string) (uuid.UUID, error) {
	bindings, err := s.readNames()
	if err != nil {
		return uuid.Nil, err
	}
	for _, b := range bindings {
		if b.Name == name {
			return b.UUID, nil
		}
	}
	return uuid.Nil, toolspec.NewError(toolspec.KindNotFound, "session name not found").WithDetail("name", name)
}

// Bind appends a new name→id mapping to the names file. It does not check
// for an existing binding of name; callers that want create-or-resume
// semantics should call ResolveName first (see OpenSession).
func (s *Store) Bind(name string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindLocked(name, id)
}

func (s *Store) bindLocked(name string, id uuid.UUID) error {
	line, err := json.Marshal(nameBinding{Name: name, UUID: id})
	if err != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to encode name binding").WithDetail("error", err.Error())
	}
	f, err := os.OpenFile(filepath.Join(s.dir, namesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to open names file").WithDetail("error", err.Error())
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return toolspec.NewError(toolspec.KindIOFailure, "failed to append name binding").WithDetail("error", err.Error())
	}
	return nil
}

func (s *Store) readNames() ([]nameBinding, error) {
	f, err := os.Open(filepath.Join(s.dir, namesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, toolspec.NewError(toolspec.KindIOFailure, "failed to read names file").WithDetail("error", err.Error())
	}
	defer f.Close()

	var bindings []nameBinding
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var b nameBinding
		if err := json.Unmarshal([]byte(line), &b); err != nil {
			continue // tolerate a truncated trailing line, same policy as session logs
		}
		bindings = append(bindings, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, toolspec.NewError(toolspec.KindIOFailure, "failed to scan names file").WithDetail("error", err.Error())
	}
	return bindings, nil
}

// OpenSession implements the create-or-resume semantics of open(sessionId |
// name | none): an empty ref creates a brand-new anonymous session; a ref
// that parses as a UUID resumes that session (creating its log lazily on
// first Append if it doesn't exist yet); any other ref is treated as a
// name, resolved through the names file, creating and binding a fresh
// UUID if the name is unbound.
func (s *Store) OpenSession(ref string) (uuid.UUID, error) {
	if ref == "" {
		return uuid.New(), nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, err := s.resolveNameLocked(ref); err == nil {
		return id, nil
	}
	id := uuid.New()
	if err := s.bindLocked(ref, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Append writes a new entry to sessionID's log, threading it to the
// previous entry via ParentUUID, and returns the written entry (with its
// UUID and ParentUUID populated).
func (s *Store) Append(sessionID uuid.UUID, entryType EntryType, message *EntryMessage, metadata EntryMetadata) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.lastUUID[sessionID]
	if !ok {
		last, err := s.lastEntryUUID(sessionID)
		if err != nil {
			return Entry{}, err
		}
		parent = last
	}

	entry := Entry{
		SessionID: sessionID.String(),
		UUID:      uuid.New().String(),
		Timestamp: time.Now(),
		Type:      entryType,
		Message:   message,
		Metadata:  metadata,
	}
	if parent != uuid.Nil {
		entry.ParentUUID = parent.String()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, toolspec.NewError(toolspec.KindIOFailure, "failed to encode session entry").WithDetail("error", err.Error())
	}

	f, err := os.OpenFile(s.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, toolspec.NewError(toolspec.KindIOFailure, "failed to open session log").WithDetail("error", err.Error())
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, toolspec.NewError(toolspec.KindIOFailure, "failed to append session entry").WithDetail("error", err.Error())
	}

	newUUID, _ := uuid.Parse(entry.UUID)
	s.lastUUID[sessionID] = newUUID
	return entry, nil
}

// Entries loads and returns every well-formed entry in sessionID's log, in
// write order. A truncated trailing line (the result of a crash mid-write)
// is silently dropped rather than treated as corruption.
func (s *Store) Entries(sessionID uuid.UUID) ([]Entry, error) {
	return readEntries(s.path(sessionID))
}

// lastEntryUUID returns the UUID of the last well-formed entry in
// sessionID's log, or uuid.Nil if the session has no entries yet. Caller
// holds s.mu.
func (s *Store) lastEntryUUID(sessionID uuid.UUID) (uuid.UUID, error) {
	entries, err := readEntries(s.path(sessionID))
	if err != nil {
		return uuid.Nil, err
	}
	if len(entries) == 0 {
		return uuid.Nil, nil
	}
	last := entries[len(entries)-1]
	id, err := uuid.Parse(last.UUID)
	if err != nil {
		return uuid.Nil, nil
	}
	return id, nil
}

// readEntries parses a JSONL file line by line. A parse failure on the
// final non-blank line is treated as an in-progress write and dropped;
// a parse failure on any earlier line is a real corruption and returned
// as an error.
func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, toolspec.NewError(toolspec.KindIOFailure, "failed to open session log").WithDetail("error", err.Error())
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, toolspec.NewError(toolspec.KindIOFailure, "failed to read session log").WithDetail("error", err.Error())
	}

	entries := make([]Entry, 0, len(lines))
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, toolspec.NewError(toolspec.KindIOFailure, "corrupt session log entry").WithDetail("line", i+1)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FindByNameOrID resolves a user-supplied session reference for --resume:
// if it parses as a UUID with an existing log file, that UUID is returned
// directly; otherwise it is treated as a name and resolved through the
// names file, again requiring an existing log file.
func (s *Store) FindByNameOrID(ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if _, statErr := os.Stat(s.path(id)); statErr == nil {
			return id, nil
		}
		return uuid.Nil, toolspec.NewError(toolspec.KindNotFound, "session not found").WithDetail("ref", ref)
	}

	id, err := s.ResolveName(ref)
	if err != nil {
		return uuid.Nil, err
	}
	if _, statErr := os.Stat(s.path(id)); statErr == nil {
		return id, nil
	}
	return uuid.Nil, toolspec.NewError(toolspec.KindNotFound, "session not found").WithDetail("ref", ref)
}

// List returns summary info for every session in the store, most recently
// updated first.
func (s *Store) List() ([]Info, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, toolspec.NewError(toolspec.KindIOFailure, "failed to list sessions").WithDetail("error", err.Error())
	}

	var infos []Info
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		idStr := strings.TrimSuffix(de.Name(), ".jsonl")
		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			continue
		}
		entries, readErr := readEntries(filepath.Join(s.dir, de.Name()))
		if readErr != nil || len(entries) == 0 {
			continue
		}
		infos = append(infos, Info{
			ID:         id,
			Created:    entries[0].Timestamp,
			Updated:    entries[len(entries)-1].Timestamp,
			EntryCount: len(entries),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
	return infos, nil
}
