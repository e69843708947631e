package db

import (
	"strings"
	"testing"

	"flashback/config"
)

func TestDSN(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "db.internal",
		DBPort:     "3307",
		DBUser:     "app",
		DBPassword: "s3cr:et",
		DBName:     "flashback",
	}
	dsn := DSN(cfg)

	if !strings.HasPrefix(dsn, "app:s3cr:et@tcp(db.internal:3307)/flashback?") {
		t.Fatalf("unexpected dsn prefix: %s", dsn)
	}
	for _, want := range []string{"parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}
