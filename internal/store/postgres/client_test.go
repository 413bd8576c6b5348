package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://a:b@db/x", Host: "ignored"},
			want: "postgres://a:b@db/x",
		},
		{
			name: "fields with defaults",
			cfg:  ClientConfig{Host: "db", Database: "swaprelay", User: "u", Password: "p"},
			want: "postgres://u:p@db:5432/swaprelay?sslmode=disable",
		},
		{
			name: "ssl mode and port",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "d", User: "u", SSLMode: "require"},
			want: "postgres://u:@db:6432/d?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}
