package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/mtx/internal/config"
)

const DefaultSessionName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ResolveValid is Resolve followed by ValidateName.
func ResolveValid(flagOverride string) (string, error) {
	name := Resolve(flagOverride)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
