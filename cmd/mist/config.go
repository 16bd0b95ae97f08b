package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

const (
	archiveExtension = ".tar.gz.gpg"
	sidecarExtension = ".xxhash"

	defaultMergeProgram    = "unison"
	defaultTransferProgram = "rsync"
)

var (
	// ErrNoConfigFile is returned when none of the configuration locations exists.
	ErrNoConfigFile = errors.New("no configuration file found")

	requiredKeys = []string{"folder", "ssh_address", "gpg_id", "temp_folder"}
)

// ConfigError describes a problem with one profile of the configuration file.
type ConfigError struct {
	Profile string
	Key     string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: profile [%s] %s", e.Profile, e.Reason)
	}

	return fmt.Sprintf("configuration error: profile [%s] '%s' %s", e.Profile, e.Key, e.Reason)
}

// Profile is the immutable configuration of a single synchronization run.
type Profile struct {
	Name string

	Folder     string // Local directory being synchronized
	SSHAddress string // Remote endpoint, user@host or an ssh_config alias
	GPGID      string // Encryption recipient
	TempFolder string // Staging directory for reconcile runs

	Archive string // Remote archive file name
	Sidecar string // Remote digest sidecar file name

	GPGProgram string // Alternate gpg binary, optional
	Symmetric  bool   // Passphrase encryption instead of public-key encryption
	Keyring    string // Armored keyring for the built-in OpenPGP engine, optional

	Excludes        []string
	MergeProgram    string
	TransferProgram string
}

// configCandidates returns the configuration file locations in lookup order.
func configCandidates(home string) []string {
	return []string{
		filepath.Join(home, ".config", "mist", "mist.toml"),
		filepath.Join(home, ".config", "mist.toml"),
		filepath.Join(home, ".mist.toml"),
		filepath.Join(home, "mist.toml"),
	}
}

// findConfig returns the first configuration file that exists below home.
func (prog *Program) findConfig(home string) (string, error) {
	for _, candidate := range configCandidates(home) {
		if _, err := prog.fs.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to stat configuration file: %w", err)
		}
	}

	return "", ErrNoConfigFile
}

// LoadProfile reads the named profile from the configuration file.
//
// If configPath is empty, the default locations below the user's home
// directory are searched.
func (prog *Program) LoadProfile(configPath string, name string) (*Profile, error) {
	if configPath == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}

		if configPath, err = prog.findConfig(home); err != nil {
			return nil, err
		}
	}

	data, err := afero.ReadFile(prog.fs, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	profile, err := parseProfile(data, name)
	if err != nil {
		return nil, err
	}

	prog.log.Debug("Loaded profile", "profile", name, "config", configPath)

	return profile, nil
}

func parseProfile(data []byte, name string) (*Profile, error) {
	var tables map[string]any
	if err := toml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	raw, ok := tables[name]
	if !ok {
		return nil, &ConfigError{Profile: name, Reason: "not found"}
	}

	table, ok := raw.(map[string]any)
	if !ok {
		return nil, &ConfigError{Profile: name, Reason: "is not a table"}
	}

	for _, key := range requiredKeys {
		if _, ok := table[key]; !ok {
			return nil, &ConfigError{Profile: name, Key: key, Reason: "entry missing"}
		}
	}

	p := &Profile{
		Name:            name,
		MergeProgram:    defaultMergeProgram,
		TransferProgram: defaultTransferProgram,
	}

	strs := []struct {
		key      string
		dst      *string
		expand   bool
		required bool
	}{
		{"folder", &p.Folder, true, true},
		{"ssh_address", &p.SSHAddress, false, true},
		{"gpg_id", &p.GPGID, false, true},
		{"temp_folder", &p.TempFolder, true, true},
		{"gpg_program", &p.GPGProgram, true, false},
		{"keyring", &p.Keyring, true, false},
		{"merge_program", &p.MergeProgram, true, false},
		{"transfer_program", &p.TransferProgram, true, false},
	}
	for _, s := range strs {
		v, ok := table[s.key]
		if !ok {
			continue
		}

		str, ok := v.(string)
		if !ok {
			return nil, &ConfigError{Profile: name, Key: s.key, Reason: "can't be parsed as a string"}
		}
		if s.required && str == "" {
			return nil, &ConfigError{Profile: name, Key: s.key, Reason: "is empty"}
		}

		if s.expand {
			expanded, err := homedir.Expand(str)
			if err != nil {
				return nil, &ConfigError{Profile: name, Key: s.key, Reason: err.Error()}
			}
			str = expanded
		}

		*s.dst = str
	}

	if v, ok := table["symmetric"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, &ConfigError{Profile: name, Key: "symmetric", Reason: "can't be parsed as a boolean"}
		}
		p.Symmetric = b
	}

	if v, ok := table["exclude"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, &ConfigError{Profile: name, Key: "exclude", Reason: "can't be parsed as an array"}
		}

		for _, item := range list {
			pattern, ok := item.(string)
			if !ok {
				return nil, &ConfigError{Profile: name, Key: "exclude", Reason: "can't be parsed as an array of strings"}
			}
			p.Excludes = append(p.Excludes, pattern)
		}
	}

	if pathsOverlap(p.Folder, p.TempFolder) {
		return nil, &ConfigError{Profile: name, Key: "temp_folder", Reason: "must not overlap with 'folder'"}
	}

	p.Archive, p.Sidecar = remoteNames(p.TempFolder)

	return p, nil
}

// pathsOverlap reports whether a and b are the same directory or one of
// them lies within the other. The staging folder is removed after each
// reconcile, which must never reach the sync folder.
func pathsOverlap(a string, b string) bool {
	a, errA := filepath.Abs(a)
	b, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return true
	}

	within := func(parent string, child string) bool {
		rel, err := filepath.Rel(parent, child)

		return err == nil && (rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))))
	}

	return within(a, b) || within(b, a)
}

// remoteNames derives the remote archive and sidecar file names from the
// base name of the staging directory. An existing extension of the base
// name is replaced, so "/tmp/sync.d" yields "sync.tar.gz.gpg".
func remoteNames(tempFolder string) (string, string) {
	base := filepath.Base(filepath.Clean(tempFolder))

	stem := base
	if ext := filepath.Ext(base); ext != "" && ext != base {
		stem = strings.TrimSuffix(base, ext)
	}

	archive := stem + archiveExtension

	return archive, archive + sidecarExtension
}
