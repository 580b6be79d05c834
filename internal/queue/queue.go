// Package queue implements the file-backed message queue under the
// daemon home. Every incoming message is one JSON file in the incoming
// partition; file names sort in arrival order, claims are exclusive via
// atomic rename, and entries that fail to decode are moved to the
// errors partition instead of being dispatched. Responses that cannot
// be delivered through a live channel land in the outgoing partition.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/dispatchd/internal/bus"
)

const (
	incomingDir = "incoming"
	outgoingDir = "outgoing"
	errorsDir   = "errors"

	claimedSuffix = ".claimed"
	tmpSuffix     = ".tmp"
)

// Store is the file queue rooted at the daemon's queue directory. It is
// safe for concurrent use; exclusivity of claims is carried by the
// filesystem rename, not by in-process locking.
type Store struct {
	root   string
	logger *slog.Logger
	events *bus.Bus
	schema *jsonschema.Schema
}

// NewStore creates the partition directories under root and compiles
// the entry schema. The bus may be nil.
func NewStore(root string, logger *slog.Logger, events *bus.Bus) (*Store, error) {
	for _, sub := range []string{incomingDir, outgoingDir, errorsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", sub, err)
		}
	}
	schema, err := compileEntrySchema()
	if err != nil {
		return nil, err
	}
	return &Store{
		root:   root,
		logger: logger.With("component", "queue"),
		events: events,
		schema: schema,
	}, nil
}

func (s *Store) dir(partition string) string {
	return filepath.Join(s.root, partition)
}

func (s *Store) publish(topic string, payload any) {
	if s.events != nil {
		s.events.Publish(topic, payload)
	}
}

// entryName builds a file name whose lexicographic order equals arrival
// order. The uuid fragment breaks ties within one nanosecond.
func entryName(now time.Time) string {
	return fmt.Sprintf("%020d-%s.json", now.UnixNano(), uuid.NewString()[:8])
}

func writeAtomic(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, name+tmpSuffix)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue entry: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish queue entry: %w", err)
	}
	return nil
}

// WriteIncoming persists msg as a new pending entry and returns its
// file name. A zero timestamp and an empty message id are filled in.
func (s *Store) WriteIncoming(msg IncomingMessage) (string, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}
	name := entryName(time.Now())
	if err := writeAtomic(s.dir(incomingDir), name, data); err != nil {
		return "", err
	}
	s.logger.Debug("queue entry written", "name", name, "agent_id", msg.AgentID, "channel", msg.Channel)
	return name, nil
}

// ReadIncoming claims and returns the oldest pending entry whose agent
// is not in skip. It returns (nil, nil) when nothing is claimable.
// Entries that fail schema validation or do not decode are moved to the
// errors partition during the scan.
func (s *Store) ReadIncoming(skip map[string]bool) (*Entry, error) {
	dirents, err := os.ReadDir(s.dir(incomingDir))
	if err != nil {
		return nil, fmt.Errorf("scan incoming: %w", err)
	}
	names := make([]string, 0, len(dirents))
	for _, ent := range dirents {
		if ent.IsDir() {
			continue
		}
		// Claimed and half-written files carry extra suffixes and are
		// filtered out here.
		if name := ent.Name(); strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(s.dir(incomingDir), name)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Claimed by a concurrent reader between scan and open.
				continue
			}
			return nil, fmt.Errorf("read queue entry %s: %w", name, err)
		}
		msg, derr := s.decode(raw)
		if derr != nil {
			s.quarantine(name, derr)
			continue
		}
		if skip[msg.AgentID] {
			continue
		}
		claimed := path + claimedSuffix
		if err := os.Rename(path, claimed); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("claim queue entry %s: %w", name, err)
		}
		return &Entry{Message: msg, name: name, path: claimed}, nil
	}
	return nil, nil
}

func (s *Store) decode(raw []byte) (IncomingMessage, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return IncomingMessage{}, fmt.Errorf("parse entry JSON: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return IncomingMessage{}, fmt.Errorf("entry schema: %w", err)
	}
	var msg IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return IncomingMessage{}, fmt.Errorf("decode entry: %w", err)
	}
	return msg, nil
}

// quarantine moves a pending entry that failed to decode into the
// errors partition. Losing a race against another reader is fine; the
// winner quarantines it.
func (s *Store) quarantine(name string, reason error) {
	src := filepath.Join(s.dir(incomingDir), name)
	dst := filepath.Join(s.dir(errorsDir), name)
	if err := os.Rename(src, dst); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("quarantine failed", "name", name, "error", err)
		}
		return
	}
	s.logger.Warn("queue entry quarantined", "name", name, "reason", reason.Error())
	s.publish(bus.TopicQueueCorrupt, bus.QueueCorruptEvent{Name: name, Reason: reason.Error()})
}

// Delete removes a claimed entry permanently. Deleting an entry that is
// already gone is not an error.
func (s *Store) Delete(e *Entry) error {
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete queue entry %s: %w", e.name, err)
	}
	return nil
}

// MoveToErrors settles a claimed entry into the errors partition under
// its original name. Used for messages whose dispatch failed.
func (s *Store) MoveToErrors(e *Entry, reason string) error {
	dst := filepath.Join(s.dir(errorsDir), e.name)
	if err := os.Rename(e.path, dst); err != nil {
		return fmt.Errorf("move entry %s to errors: %w", e.name, err)
	}
	s.logger.Warn("queue entry moved to errors", "name", e.name, "agent_id", e.Message.AgentID, "reason", reason)
	return nil
}

// WriteOutgoing persists an undeliverable response in the outgoing
// partition and returns its file name.
func (s *Store) WriteOutgoing(msg OutgoingMessage) (string, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal outgoing entry: %w", err)
	}
	name := entryName(time.Now())
	if err := writeAtomic(s.dir(outgoingDir), name, data); err != nil {
		return "", err
	}
	s.logger.Debug("outgoing entry written", "name", name, "agent_id", msg.AgentID)
	return name, nil
}

// Recover returns entries claimed by a previous process to the pending
// pool and removes abandoned temp files. Call once at startup, before
// the dispatch loop starts.
func (s *Store) Recover() (int, error) {
	dirents, err := os.ReadDir(s.dir(incomingDir))
	if err != nil {
		return 0, fmt.Errorf("scan incoming: %w", err)
	}
	recovered := 0
	for _, ent := range dirents {
		name := ent.Name()
		switch {
		case strings.HasSuffix(name, tmpSuffix):
			os.Remove(filepath.Join(s.dir(incomingDir), name))
		case strings.HasSuffix(name, claimedSuffix):
			orig := strings.TrimSuffix(name, claimedSuffix)
			src := filepath.Join(s.dir(incomingDir), name)
			if err := os.Rename(src, filepath.Join(s.dir(incomingDir), orig)); err != nil {
				return recovered, fmt.Errorf("recover claimed entry %s: %w", name, err)
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("recovered claimed entries", "count", recovered)
		s.publish(bus.TopicQueueRecovered, bus.QueueRecoveredEvent{Count: recovered})
	}
	return recovered, nil
}

// Depths reports the number of entries in each partition.
type Depths struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Outgoing int `json:"outgoing"`
	Errors   int `json:"errors"`
}

// Depths scans the partitions and counts entries. Claimed incoming
// entries count as in-flight.
func (s *Store) Depths() (Depths, error) {
	var d Depths
	dirents, err := os.ReadDir(s.dir(incomingDir))
	if err != nil {
		return d, fmt.Errorf("scan incoming: %w", err)
	}
	for _, ent := range dirents {
		switch name := ent.Name(); {
		case strings.HasSuffix(name, claimedSuffix):
			d.InFlight++
		case strings.HasSuffix(name, ".json"):
			d.Pending++
		}
	}
	if d.Outgoing, err = countJSON(s.dir(outgoingDir)); err != nil {
		return d, err
	}
	if d.Errors, err = countJSON(s.dir(errorsDir)); err != nil {
		return d, err
	}
	return d, nil
}

func countJSON(dir string) (int, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", filepath.Base(dir), err)
	}
	n := 0
	for _, ent := range dirents {
		if strings.HasSuffix(ent.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
