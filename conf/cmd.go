package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var Verbose bool

// DefaultStoreURL is the signaling store endpoint used when neither the
// profile nor the CLI provides one.
const DefaultStoreURL = "wss://signal.termcall.dev/v1"

// Contact is a known peer from the contacts directory: a display name plus
// the peer identifier used for signaling.
type Contact struct {
	Name   string `json:"name"`
	PeerID string `json:"peer_id"`
}

// Profile is the persisted per-user configuration.
type Profile struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	StoreURL    string `json:"store_url,omitempty"`
	ContactsDir string `json:"contacts_dir,omitempty"`
}

// AppMode describes what the CLI asked the program to do.
type AppMode int

const (
	ModeWait AppMode = iota // idle, wait for incoming calls
	ModeCall                // place a call to a peer
	ModeList                // print known contacts and presence
)

// AppOptions aggregates CLI flags and the resolved profile.
type AppOptions struct {
	Verbose     bool
	ConfigPath  string
	StoreURL    string
	PeerID      string
	DisplayName string
	ContactsDir string
	Mode        AppMode

	// CallTarget is either a raw peer id or a contact name.
	CallTarget string
}

// ParseCLI parses command-line arguments, loads (or creates) the profile and
// returns the merged options. Flags always win over profile values.
func ParseCLI() (*AppOptions, error) {
	opts := &AppOptions{}

	args := compactArgs(os.Args[1:])
	var positional []string
	for i := 0; i < len(args); i++ {
		token := args[i]
		if !strings.HasPrefix(token, "-") {
			positional = append(positional, token)
			continue
		}
		key, value, hasValue := splitFlagToken(token)
		if !hasValue && flagRequiresValue(key) && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			value = args[i+1]
			hasValue = true
			i++
		}
		if err := applyFlag(opts, token, key, value, hasValue); err != nil {
			return nil, err
		}
	}

	resolved, err := resolveConfigPath(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config path error: %w", err)
	}
	opts.ConfigPath = resolved

	profile, err := loadOrCreateProfile(resolved, opts.DisplayName)
	if err != nil {
		return nil, err
	}
	if opts.PeerID == "" {
		opts.PeerID = profile.PeerID
	}
	if opts.DisplayName == "" {
		opts.DisplayName = profile.DisplayName
	}
	if opts.StoreURL == "" {
		opts.StoreURL = profile.StoreURL
	}
	if opts.StoreURL == "" {
		opts.StoreURL = DefaultStoreURL
	}
	if opts.ContactsDir == "" {
		opts.ContactsDir = profile.ContactsDir
	}

	switch {
	case len(positional) == 0:
		opts.Mode = ModeWait
	case len(positional) == 1 && strings.EqualFold(positional[0], "list"):
		opts.Mode = ModeList
	case len(positional) == 1:
		opts.Mode = ModeCall
		opts.CallTarget = positional[0]
	default:
		return nil, fmt.Errorf("unexpected extra positional arguments: %v", positional[1:])
	}

	Verbose = opts.Verbose
	return opts, nil
}

// ResolveTarget maps a call target to a peer id and display name. A target
// matching a contact name resolves through the contacts directory; anything
// else is treated as a raw peer id.
func (opts *AppOptions) ResolveTarget() (peerID, name string, err error) {
	target := strings.TrimSpace(opts.CallTarget)
	if target == "" {
		return "", "", fmt.Errorf("empty call target")
	}
	if opts.ContactsDir != "" {
		contacts, err := LoadContacts(opts.ContactsDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
		for _, c := range contacts {
			if strings.EqualFold(c.Name, target) {
				return c.PeerID, c.Name, nil
			}
		}
	}
	if _, err := uuid.Parse(target); err != nil {
		return "", "", fmt.Errorf("unknown contact %q (not a peer id either)", target)
	}
	return target, target, nil
}

// LoadContacts scans root for contact folders. Each folder containing a file
// named "termcall" contributes a contact: the folder name is the display
// name, the file contents hold the peer id.
func LoadContacts(root string) ([]Contact, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, nil
	}
	resolved, err := resolvePathAllowingHome(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("contacts path %q is not a directory", resolved)
	}
	var contacts []Contact
	seen := make(map[string]struct{})
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(d.Name(), "termcall") {
			return nil
		}
		name := filepath.Base(filepath.Dir(path))
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		id := strings.TrimSpace(string(b))
		key := strings.ToLower(name)
		if name == "" || id == "" {
			return nil
		}
		if _, ok := seen[key]; ok {
			return nil
		}
		seen[key] = struct{}{}
		contacts = append(contacts, Contact{Name: name, PeerID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// HostnameOr returns the system hostname or def on failure.
func HostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return def
	}
	return h
}

// loadOrCreateProfile reads the profile at path, creating it with a fresh
// peer id on first run. A missing display name defaults to the hostname.
func loadOrCreateProfile(path, nameOverride string) (*Profile, error) {
	var p Profile
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	changed := false
	if p.PeerID == "" {
		p.PeerID = uuid.NewString()
		changed = true
	}
	if p.DisplayName == "" {
		p.DisplayName = nameOverride
		if p.DisplayName == "" {
			p.DisplayName = HostnameOr("anonymous")
		}
		changed = true
	}
	if changed {
		if err := saveProfile(path, &p); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func saveProfile(path string, p *Profile) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// resolveConfigPath normalizes the config file path, expanding "~" and
// creating the parent directory. When cfg is empty it defaults to
// $XDG_CONFIG_HOME/termcall/config.json. A bare name without an extension is
// treated as a profile name inside the default directory.
func resolveConfigPath(cfg string) (string, error) {
	raw := strings.TrimSpace(cfg)
	switch {
	case raw == "":
		if dir, err := defaultConfigDir(); err == nil {
			raw = filepath.Join(dir, "config.json")
		} else {
			raw = "config.json"
		}
	case filepath.Base(raw) == raw && filepath.Ext(raw) == "":
		if dir, err := defaultConfigDir(); err == nil {
			raw = filepath.Join(dir, raw+".json")
		} else {
			raw = raw + ".json"
		}
	}
	resolved, err := resolvePathAllowingHome(raw)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", err
	}
	return resolved, nil
}

func defaultConfigDir() (string, error) {
	d, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "termcall"), nil
}

func resolvePathAllowingHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		if h, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(h, path[2:])
		}
	}
	return filepath.Abs(path)
}

func compactArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, raw := range args {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyFlag(opts *AppOptions, token, key, value string, hasValue bool) error {
	switch key {
	case "v", "verbose":
		boolVal := true
		if hasValue && value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid value for -v: %q", value)
			}
			boolVal = parsed
		}
		opts.Verbose = boolVal
	case "config":
		if !hasValue || value == "" {
			return fmt.Errorf("-config requires a value")
		}
		opts.ConfigPath = value
	case "store":
		if !hasValue || value == "" {
			return fmt.Errorf("-store requires a value")
		}
		opts.StoreURL = value
	case "id":
		if !hasValue || value == "" {
			return fmt.Errorf("-id requires a value")
		}
		opts.PeerID = value
	case "name":
		if !hasValue || value == "" {
			return fmt.Errorf("-name requires a value")
		}
		opts.DisplayName = value
	case "contacts":
		if !hasValue || value == "" {
			return fmt.Errorf("-contacts requires a value")
		}
		opts.ContactsDir = value
	default:
		return fmt.Errorf("unknown flag %q", token)
	}
	return nil
}

func splitFlagToken(token string) (string, string, bool) {
	trimmed := strings.TrimSpace(token)
	parts := strings.SplitN(trimmed, "=", 2)
	key := strings.ToLower(strings.TrimLeft(parts[0], "-"))
	if len(parts) == 1 {
		return key, "", false
	}
	return key, parts[1], true
}

func flagRequiresValue(key string) bool {
	switch key {
	case "config", "store", "id", "name", "contacts":
		return true
	default:
		return false
	}
}
