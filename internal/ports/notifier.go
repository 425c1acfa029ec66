package ports

import (
	"context"

	"github.com/alejandrodnm/likeli/internal/domain"
)

// Notifier presenta el resultado de cada pasada de sweeps al usuario.
type Notifier interface {
	// NotifySweep muestra órdenes expiradas y mercados graduados.
	// En la implementación de consola, imprime una tabla formateada.
	NotifySweep(ctx context.Context, report domain.SweepReport) error
}
