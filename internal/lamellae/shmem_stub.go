//go:build !linux

package lamellae

import (
	"fmt"
	"log/slog"

	"github.com/nmxmxh/pgas_v1/internal/config"
)

func dialShmem(cfg config.Config, logger *slog.Logger) (Transport, error) {
	return nil, fmt.Errorf("%w: shared-memory backend requires linux", ErrUnsupported)
}
