package creds

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// Store holds credentials loaded from a .env-style file. Values are kept in
// an explicit map rather than exported into the process environment, so each
// service only receives the keys its spec declares.
type Store struct {
	values map[string]string
	strict bool
}

// MissingKeysError enumerates every required credential absent from the store.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("missing required credentials: %s", strings.Join(e.Keys, ", "))
}

// PlaceholderError reports sensitive keys still carrying example values.
// Only returned when the store was loaded in strict mode.
type PlaceholderError struct {
	Keys []string
}

func (e *PlaceholderError) Error() string {
	return fmt.Sprintf("credentials still set to placeholder values: %s", strings.Join(e.Keys, ", "))
}

// Values an operator is likely to have left unchanged from an example file.
var placeholderValues = map[string]bool{
	"changeme":   true,
	"change-me":  true,
	"password":   true,
	"secret":     true,
	"example":    true,
	"hunter2":    true,
	"letmein":    true,
	"yourpasswd": true,
}

// Load reads a .env-style credential file. Lines starting with '#' are
// comments; "export KEY=VALUE" and quoted values are accepted. The file is
// read exactly once, at process start.
func Load(path string, strict bool) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		values[key] = val
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &Store{values: values, strict: strict}, nil
}

// Get returns a credential value.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Validate checks that every required key is present with a non-empty value
// and reports placeholder values on sensitive keys. Placeholders are warnings
// unless the store is strict, in which case they fail validation too.
func (s *Store) Validate(required []string) error {
	var missing []string
	for _, k := range required {
		if v, ok := s.values[k]; !ok || v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingKeysError{Keys: missing}
	}

	placeholders := s.placeholders(required)
	for _, k := range placeholders {
		log.Warn().Str("key", k).Msg("credential still set to a placeholder value")
	}
	if s.strict && len(placeholders) > 0 {
		return &PlaceholderError{Keys: placeholders}
	}
	return nil
}

// placeholders returns the sensitive keys among required whose values match a
// known example default.
func (s *Store) placeholders(required []string) []string {
	var out []string
	for _, k := range required {
		if !sensitiveKey(k) {
			continue
		}
		if placeholderValues[strings.ToLower(s.values[k])] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sensitiveKey(k string) bool {
	u := strings.ToUpper(k)
	return strings.Contains(u, "PASSWORD") || strings.Contains(u, "SECRET") || strings.Contains(u, "TOKEN")
}

// Env builds the environment injected into one service process: its declared
// credential keys, its static manifest env, and one <DEP>_ADDR entry per
// dependency so services find each other without hardcoded addresses.
func (s *Store) Env(spec manifest.ServiceSpec, depAddrs map[string]string) []string {
	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for _, k := range spec.Credentials {
		if v, ok := s.values[k]; ok {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	for dep, addr := range depAddrs {
		env = append(env, fmt.Sprintf("%s_ADDR=%s", envName(dep), addr))
	}
	sort.Strings(env)
	return env
}

// envName converts a service name into an environment variable prefix.
func envName(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(r.Replace(name))
}
