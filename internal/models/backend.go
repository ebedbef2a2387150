package models

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
)

// backend returns the process-wide accelerator backend, created on first use.
// Graph compilation and execution all go through this one instance.
var backend = sync.OnceValue(func() backends.Backend {
	return backends.New()
})
