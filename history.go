package bia

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	lastBuildFile   = ".bia-last-build"
	historyFile     = ".bia-deploy-history"
	historyFileMode = 0o644
)

// LocalState is the per-source-tree state the tool keeps between
// invocations: the last built version (so push can run in a separate
// process from build) and an append-only deploy audit log. Rollback never
// reads any of this; it queries the registry instead.
type LocalState struct {
	Dir string
}

// WriteLastBuild records version as the most recent local build.
func (s *LocalState) WriteLastBuild(version string) error {
	path := filepath.Join(s.Dir, lastBuildFile)
	if err := os.WriteFile(path, []byte(version+"\n"), historyFileMode); err != nil {
		return fmt.Errorf("write last build marker: %w", err)
	}
	return nil
}

// ReadLastBuild recovers the version recorded by the last build.
func (s *LocalState) ReadLastBuild() (string, error) {
	out, err := os.ReadFile(filepath.Join(s.Dir, lastBuildFile))
	if os.IsNotExist(err) {
		return "", ErrNoLastBuild
	}
	if err != nil {
		return "", fmt.Errorf("read last build marker: %w", err)
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return "", ErrNoLastBuild
	}
	return version, nil
}

// DeployRecord is one line of the audit log.
type DeployRecord struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	Revision  string    `json:"revision"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendDeploy appends one record to the audit log and returns it.
func (s *LocalState) AppendDeploy(version, revision, outcome string) (DeployRecord, error) {
	record := DeployRecord{
		ID:        uuid.NewString(),
		Version:   version,
		Revision:  revision,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
	obj, err := json.Marshal(record)
	if err != nil {
		return DeployRecord{}, err
	}
	f, err := os.OpenFile(filepath.Join(s.Dir, historyFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, historyFileMode)
	if err != nil {
		return DeployRecord{}, fmt.Errorf("open deploy history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(obj, '\n')); err != nil {
		return DeployRecord{}, fmt.Errorf("append deploy history: %w", err)
	}
	return record, nil
}

// Deploys reads the audit log, oldest first. A missing log is an empty
// history, not an error.
func (s *LocalState) Deploys() ([]DeployRecord, error) {
	f, err := os.Open(filepath.Join(s.Dir, historyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open deploy history: %w", err)
	}
	defer f.Close()

	var records []DeployRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		record := DeployRecord{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("corrupt deploy history: %w", err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read deploy history: %w", err)
	}
	return records, nil
}
