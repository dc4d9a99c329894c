package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Conf holds process configuration. Tunable values do not live here; they
// are in the registry and its saved blob. Conf only says where things are
// and how the console is served.
//
// Both YAML (.yaml/.yml) and the older "key value" text format are read.
type Conf struct {
	// --- Storage ---
	BoltPath   string `yaml:"bolt_path" validate:"required"`      // Registry blob and override journal
	AuditDB    string `yaml:"audit_db"`                           // SQLite audit log, empty = no audit table
	AuditQueue int    `yaml:"audit_queue" validate:"gte=0"`       // Pending audit rows before drops
	BackupDir  string `yaml:"backup_dir"`                         // Rolling backups after each autosave, empty = none
	SaveFormat int32  `yaml:"save_format" validate:"gte=0,lte=2"` // Blob version to write, 0 = current

	// --- Seeds ---
	SeedFile  string `yaml:"seed_file"`  // YAML values applied on first boot
	WatchSeed bool   `yaml:"watch_seed"` // Announce seed file edits on the event bus

	// --- Registry ---
	Strict        bool   `yaml:"strict"`                                                      // Panic on unknown names
	OverrideFloor string `yaml:"override_floor" validate:"oneof=operator administrator owner"` // Level needed to claim an override

	// --- Web console ---
	WebEnabled     bool     `yaml:"web_enabled"`
	WebPort        int      `yaml:"web_port" validate:"min=1,max=65535"`
	WebHost        string   `yaml:"web_host"`   // Bind address, empty = all interfaces
	WebDomain      string   `yaml:"web_domain"` // Let's Encrypt domain, empty = self-signed
	CertFile       string   `yaml:"cert_file"`
	CertKey        string   `yaml:"cert_key"`
	CertDir        string   `yaml:"cert_dir"`
	WebCORSOrigins []string `yaml:"web_cors_origins"`
	WebRateLimit   int      `yaml:"web_rate_limit" validate:"gte=0"` // Requests per minute per IP, 0 = off
	JWTSecret      string   `yaml:"jwt_secret"`                      // Generated at boot if empty
	JWTExpiry      int      `yaml:"jwt_expiry" validate:"gte=60"`    // Seconds

	// --- Operators ---
	Operators []Operator `yaml:"operators" validate:"dive"` // Console logins, empty = tokens only

	Debug bool `yaml:"debug"`
}

// Operator is a console login. Password holds a bcrypt hash or a legacy
// DES crypt hash, never the password itself.
type Operator struct {
	Name     string `yaml:"name" validate:"required"`
	Level    string `yaml:"level" validate:"oneof=guest operator administrator owner"`
	Password string `yaml:"password" validate:"required"`
}

// DefaultConf returns a Conf with working defaults.
func DefaultConf() *Conf {
	return &Conf{
		BoltPath:      "data/worldtune.bolt",
		AuditDB:       "data/audit.db",
		AuditQueue:    256,
		BackupDir:     "backups",
		OverrideFloor: "administrator",
		WebEnabled:    true,
		WebPort:       8443,
		WebRateLimit:  120,
		JWTExpiry:     3600,
	}
}

// LoadConf reads a config file. The format is picked by extension:
//   - .yaml / .yml  -> YAML
//   - anything else -> "key value" lines
//
// Relative paths in the file are resolved against the file's directory.
func LoadConf(path string) (*Conf, error) {
	var (
		c   *Conf
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		c, err = loadConfYAML(path)
	default:
		c, err = loadConfLegacy(path)
	}
	if err != nil {
		return nil, err
	}
	c.resolve(filepath.Dir(path))
	return c, nil
}

func loadConfYAML(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("conf: reading %s: %w", path, err)
	}
	c := DefaultConf()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("conf: parsing YAML %s: %w", path, err)
	}
	return c, nil
}

func loadConfLegacy(path string) (*Conf, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("conf: %w", err)
	}
	defer f.Close()

	c := DefaultConf()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val := splitKeyVal(line)
		switch strings.ToLower(key) {
		case "bolt_path":
			c.BoltPath = val
		case "audit_db":
			c.AuditDB = val
		case "audit_queue":
			c.AuditQueue = atoi(val, c.AuditQueue)
		case "backup_dir":
			c.BackupDir = val
		case "save_format":
			c.SaveFormat = int32(atoi(val, int(c.SaveFormat)))
		case "seed_file":
			c.SeedFile = val
		case "watch_seed":
			c.WatchSeed = parseBool(val)
		case "strict":
			c.Strict = parseBool(val)
		case "override_floor":
			c.OverrideFloor = strings.ToLower(val)
		case "web_enabled":
			c.WebEnabled = parseBool(val)
		case "web_port":
			c.WebPort = atoi(val, c.WebPort)
		case "web_host":
			c.WebHost = val
		case "web_domain":
			c.WebDomain = val
		case "cert_file":
			c.CertFile = val
		case "cert_key":
			c.CertKey = val
		case "cert_dir":
			c.CertDir = val
		case "web_cors_origin":
			c.WebCORSOrigins = append(c.WebCORSOrigins, val)
		case "web_rate_limit":
			c.WebRateLimit = atoi(val, c.WebRateLimit)
		case "jwt_secret":
			c.JWTSecret = val
		case "jwt_expiry":
			c.JWTExpiry = atoi(val, c.JWTExpiry)
		case "operator":
			// operator <name> <level> <hash>
			f := strings.Fields(val)
			if len(f) != 3 {
				log.Printf("conf: %s: operator line needs name, level and hash", path)
				continue
			}
			c.Operators = append(c.Operators, Operator{Name: f[0], Level: strings.ToLower(f[1]), Password: f[2]})
		case "debug":
			c.Debug = parseBool(val)
		default:
			log.Printf("conf: %s: ignoring unknown key %q", path, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("conf: reading %s: %w", path, err)
	}
	return c, nil
}

func (c *Conf) resolve(base string) {
	for _, p := range []*string{&c.BoltPath, &c.AuditDB, &c.BackupDir, &c.SeedFile,
		&c.CertFile, &c.CertKey, &c.CertDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate checks field constraints.
func (c *Conf) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("conf: %w", err)
	}
	return nil
}

// splitKeyVal splits a line on the first space or tab.
func splitKeyVal(line string) (string, string) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' || line[i] == '\t' {
			return line[:i], strings.TrimSpace(line[i+1:])
		}
	}
	return line, ""
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "true" || s == "1" || s == "on"
}
