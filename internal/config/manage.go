package config

import (
	"fmt"
	"strconv"
)

// KeyInfo is one row of `journal config show`. Secret values are never
// included; Value only reports whether the secret is configured.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every key with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret}
		v := fmt.Sprintf("%v", s.extract(cfg))
		switch {
		case !s.secret:
			info.Value = v
		case v == "":
			info.Value = "(not set)"
		default:
			info.Value = "(set)"
		}
		out = append(out, info)
	}
	return out
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// SetKey writes a non-secret key to the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("%q is a secret; use 'journal config set-secret' or %s", key, s.env)
	}

	switch s.typ {
	case kInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", key, err)
		}
		return b.SetInt(key, n)
	case kBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s expects true or false: %w", key, err)
		}
	}
	return b.SetString(key, value)
}

// SetSecret stores a secret in the secrets file under the journal service.
func SetSecret(key, value string) error {
	s, ok := lookupSpec(key)
	if !ok || !s.secret {
		return fmt.Errorf("unknown secret key: %q", key)
	}
	return newFileSecrets(secretsFilePath()).Set(secretService, key, value)
}

// ValidKeys returns the keys `journal config set` accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
