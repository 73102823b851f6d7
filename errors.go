package snapseek

import "github.com/dmarins/snapseek/internal/domain"

// Error kinds re-exported for callers outside the module. See
// internal/domain for definitions.
var (
	ErrAuth            = domain.ErrAuth
	ErrRateLimited     = domain.ErrRateLimited
	ErrExternalService = domain.ErrExternalService
	ErrNotFound        = domain.ErrNotFound
)
