//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Without a system keychain, secrets live in a 0600 JSON file of
// service -> account -> value under XDG_DATA_HOME.
func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", ".local/share", "secrets.json")
}

type secretsFile map[string]map[string]string

// readSecrets returns an empty set when the file does not exist yet and an
// error when it exists but cannot be parsed.
func readSecrets() (secretsFile, error) {
	data, err := os.ReadFile(secretsFilePath())
	if errors.Is(err, os.ErrNotExist) {
		return secretsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets secretsFile
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", secretsFilePath(), err)
	}
	if secrets == nil {
		secrets = secretsFile{}
	}
	return secrets, nil
}

func (s secretsFile) write() error {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(secretsFilePath(), out)
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := readSecrets()
	if err != nil {
		return nil, err
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not found", service, account)
	}
	return []byte(val), nil
}

// keychainSet refuses to rewrite a file it cannot parse so other secrets
// are never lost.
func keychainSet(service, account, value string) error {
	secrets, err := readSecrets()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return secrets.write()
}

func keychainDelete(service, account string) error {
	secrets, err := readSecrets()
	if err != nil {
		return err
	}
	if _, ok := secrets[service][account]; !ok {
		return nil
	}
	delete(secrets[service], account)
	if len(secrets[service]) == 0 {
		delete(secrets, service)
	}
	return secrets.write()
}
