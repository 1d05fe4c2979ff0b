package storage

import (
	"fmt"
	"strings"

	logx "maptrack/pkg/logx"
)

// Open selects a storage driver. The file driver is the default and has no
// external dependencies; sqlite requires building with -tags sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected file or sqlite)", cfg.Driver)
	}
}
