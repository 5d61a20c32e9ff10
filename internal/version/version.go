package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Заполняются при сборке:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/foodorder/internal/version.version=v1.2.0 \
//	  -X github.com/vladislavdragonenkov/foodorder/internal/version.commit=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build — сведения о сборке бинарника.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// Dev сообщает, что бинарник собран без ldflags.
func (b Build) Dev() bool {
	return b.Version == "dev"
}

func (b Build) String() string {
	return fmt.Sprintf("foodorder %s (commit %s, built %s)", b.Version, b.Commit, b.Date)
}

// LogFields — поля для стартового сообщения сервиса и утилит.
func (b Build) LogFields() log.Fields {
	return log.Fields{
		"version":    b.Version,
		"commit":     b.Commit,
		"build_date": b.Date,
	}
}
