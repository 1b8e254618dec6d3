package config

// ConfigBackend holds the non-secret keys between runs. Strings, ints and
// bools are stored natively; durations are stored as strings and parsed by
// the key table. Secret keys never reach a backend.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	Delete(key string) error
}

// keychainService is the secret store service every sopflow secret lives under.
const keychainService = "sopflow"
