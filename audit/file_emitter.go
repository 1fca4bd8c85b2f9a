package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileEmitter appends events to a JSONL file. One line per event, synced
// on every write so a crashing process never loses acknowledged events.
type FileEmitter struct {
	mu   sync.Mutex
	file *os.File
	path string
}

type fileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileEmitter creates a JSONL file emitter from configuration.
func NewFileEmitter(config *Config) (*FileEmitter, error) {
	var opts fileOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid file emitter options: %w", err)
	}

	if opts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file emitter")
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileEmitter{file: file, path: opts.FilePath}, nil
}

// Emit writes a single event line.
func (f *FileEmitter) Emit(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("audit log file is closed")
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = f.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (f *FileEmitter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// parseOptions converts map options into a typed options struct.
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
