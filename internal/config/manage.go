package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are listed as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if val == "" {
				val = "(not set)"
			} else {
				val = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  val,
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; %s", key, SecretHint(key))
		}
		if _, err := s.parse(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		switch s.typ {
		case kInt:
			i, _ := strconv.Atoi(value)
			return b.SetInt(key, i)
		case kBool:
			v, _ := strconv.ParseBool(value)
			return b.SetBool(key, v)
		default:
			return b.SetString(key, value)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// UnsetKey removes a stored config key so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func unsetKey(b ConfigBackend, key string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("%q is a secret; use config secret --unset", key)
	}
	return b.Delete(key)
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SetSecret stores a secret key in the platform secret store.
func SetSecret(key, value string) error {
	s, err := secretSpec(key)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", key)
	}
	return keychainSet(keychainService, s.account(), value)
}

// UnsetSecret removes a secret from the platform secret store. Removing a
// secret that was never stored is not an error.
func UnsetSecret(key string) error {
	s, err := secretSpec(key)
	if err != nil {
		return err
	}
	return keychainDelete(keychainService, s.account())
}

func secretSpec(key string) (keySpec, error) {
	s, ok := lookup(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown secret key: %q", key)
	}
	if !s.secret {
		return keySpec{}, fmt.Errorf("%q is not a secret; use config set", key)
	}
	return s, nil
}

// SecretKeys returns the names of keys that are only read from the
// environment or the secret store.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
