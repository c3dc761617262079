package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	base := Config{Host: "localhost", Port: "5432", User: "ucollect", DBName: "ucollect", SSLMode: "disable"}

	cases := []struct {
		name    string
		mutate  func(c Config) Config
		wantErr bool
	}{
		{"valid", func(c Config) Config { return c }, false},
		{"empty host", func(c Config) Config { c.Host = ""; return c }, true},
		{"bad hostname", func(c Config) Config { c.Host = "bad host!"; return c }, true},
		{"ip host", func(c Config) Config { c.Host = "10.0.0.1"; return c }, false},
		{"empty port", func(c Config) Config { c.Port = ""; return c }, true},
		{"non-numeric port", func(c Config) Config { c.Port = "abc"; return c }, true},
		{"out of range port", func(c Config) Config { c.Port = "70000"; return c }, true},
		{"bad user", func(c Config) Config { c.User = "bob;drop table"; return c }, true},
		{"bad dbname", func(c Config) Config { c.DBName = ""; return c }, true},
		{"bad sslmode", func(c Config) Config { c.SSLMode = "yolo"; return c }, true},
		{"empty sslmode allowed", func(c Config) Config { c.SSLMode = ""; return c }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.mutate(base))
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}
